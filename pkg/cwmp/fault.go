package cwmp

import (
	"encoding/xml"
	"fmt"
)

// ACS fault codes
const (
	FaultMethodNotSupported = 8000
	FaultRequestDenied      = 8001
	FaultInternalError      = 8002
	FaultInvalidArguments   = 8003
	FaultResourcesExceeded  = 8004
	FaultRetryRequest       = 8005
)

var faultStrings = map[int]string{
	FaultMethodNotSupported: "Method not supported",
	FaultRequestDenied:      "Request denied",
	FaultInternalError:      "Internal error",
	FaultInvalidArguments:   "Invalid arguments",
	FaultResourcesExceeded:  "Resources exceeded",
	FaultRetryRequest:       "Retry request",
}

type SetParameterValuesFault struct {
	ParameterName string `xml:"ParameterName"`
	FaultCode     int    `xml:"FaultCode"`
	FaultString   string `xml:"FaultString"`
}

// Fault is the CWMP fault carried in a SOAP fault detail, in either direction.
type Fault struct {
	FaultCode               int                       `xml:"FaultCode"`
	FaultString             string                    `xml:"FaultString"`
	SetParameterValuesFault []SetParameterValuesFault `xml:"SetParameterValuesFault"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("cwmp fault %d: %s", f.FaultCode, f.FaultString)
}

// NewFault builds a server fault message answering the given message id.
func NewFault(id string, code int, detail string) *Envelope {
	msg := faultStrings[code]
	if detail != "" {
		msg = detail
	}
	return &Envelope{
		ID:     id,
		Method: MethodFault,
		Body:   &Fault{FaultCode: code, FaultString: msg},
	}
}

type soapFaultOut struct {
	XMLName     xml.Name `xml:"soap-env:Fault"`
	FaultCode   string   `xml:"faultcode"`
	FaultString string   `xml:"faultstring"`
	Detail      struct {
		Fault faultOut `xml:"cwmp:Fault"`
	} `xml:"detail"`
}

type faultOut struct {
	FaultCode   int    `xml:"FaultCode"`
	FaultString string `xml:"FaultString"`
}

func newSoapFaultOut(f *Fault) *soapFaultOut {
	out := &soapFaultOut{FaultCode: "Client", FaultString: "CWMP fault"}
	if f.FaultCode == FaultInternalError || f.FaultCode == FaultResourcesExceeded {
		out.FaultCode = "Server"
	}
	out.Detail.Fault = faultOut{FaultCode: f.FaultCode, FaultString: f.FaultString}
	return out
}
