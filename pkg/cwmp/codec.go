package cwmp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for bodies that are not a CWMP envelope.
var ErrMalformed = errors.New("malformed cwmp envelope")

// Codec turns HTTP bodies into envelopes and back.
// Decode returns a nil envelope for an empty body.
type Codec interface {
	Decode(body []byte) (*Envelope, error)
	Encode(env *Envelope) ([]byte, error)
}

// XMLCodec is the SOAP 1.1 codec for the message set in this package.
type XMLCodec struct{}

type idHeader struct {
	Value string `xml:",chardata"`
}

type inEnvelope struct {
	XMLName xml.Name   `xml:"Envelope"`
	Attrs   []xml.Attr `xml:",any,attr"`
	Header  struct {
		ID idHeader `xml:"ID"`
	} `xml:"Header"`
	Body inBody `xml:"Body"`
}

type inBody struct {
	Inform                         *Inform                         `xml:"Inform"`
	TransferComplete               *TransferComplete               `xml:"TransferComplete"`
	GetRPCMethods                  *GetRPCMethods                  `xml:"GetRPCMethods"`
	GetParameterValuesResponse     *GetParameterValuesResponse     `xml:"GetParameterValuesResponse"`
	GetParameterAttributesResponse *GetParameterAttributesResponse `xml:"GetParameterAttributesResponse"`
	SetParameterValuesResponse     *SetParameterValuesResponse     `xml:"SetParameterValuesResponse"`
	SetParameterAttributesResponse *SetParameterAttributesResponse `xml:"SetParameterAttributesResponse"`
	AddObjectResponse              *AddObjectResponse              `xml:"AddObjectResponse"`
	DeleteObjectResponse           *DeleteObjectResponse           `xml:"DeleteObjectResponse"`
	RebootResponse                 *RebootResponse                 `xml:"RebootResponse"`
	FactoryResetResponse           *FactoryResetResponse           `xml:"FactoryResetResponse"`
	DownloadResponse               *DownloadResponse               `xml:"DownloadResponse"`
	UploadResponse                 *UploadResponse                 `xml:"UploadResponse"`
	Fault                          *soapFault                      `xml:"Fault"`
	Other                          []unknownElement                `xml:",any"`
}

type unknownElement struct {
	XMLName xml.Name
}

type soapFault struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
	Detail      struct {
		Fault Fault `xml:"Fault"`
	} `xml:"detail"`
}

// Decode parses a device message.
func (XMLCodec) Decode(body []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var in inEnvelope
	if err := xml.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := &Envelope{
		ID:      strings.TrimSpace(in.Header.ID.Value),
		Version: NsCwmp10,
	}
	for _, attr := range in.Attrs {
		if strings.HasPrefix(attr.Value, "urn:dslforum-org:cwmp-") {
			env.Version = attr.Value
		}
	}

	b := in.Body
	switch {
	case b.Inform != nil:
		env.Method, env.Body = MethodInform, b.Inform
	case b.TransferComplete != nil:
		env.Method, env.Body = MethodTransferComplete, b.TransferComplete
	case b.GetRPCMethods != nil:
		env.Method, env.Body = MethodGetRPCMethods, b.GetRPCMethods
	case b.GetParameterValuesResponse != nil:
		env.Method, env.Body = ResponseTo(MethodGetParameterValues), b.GetParameterValuesResponse
	case b.GetParameterAttributesResponse != nil:
		env.Method, env.Body = ResponseTo(MethodGetParameterAttributes), b.GetParameterAttributesResponse
	case b.SetParameterValuesResponse != nil:
		env.Method, env.Body = ResponseTo(MethodSetParameterValues), b.SetParameterValuesResponse
	case b.SetParameterAttributesResponse != nil:
		env.Method, env.Body = ResponseTo(MethodSetParameterAttributes), b.SetParameterAttributesResponse
	case b.AddObjectResponse != nil:
		env.Method, env.Body = ResponseTo(MethodAddObject), b.AddObjectResponse
	case b.DeleteObjectResponse != nil:
		env.Method, env.Body = ResponseTo(MethodDeleteObject), b.DeleteObjectResponse
	case b.RebootResponse != nil:
		env.Method, env.Body = ResponseTo(MethodReboot), b.RebootResponse
	case b.FactoryResetResponse != nil:
		env.Method, env.Body = ResponseTo(MethodFactoryReset), b.FactoryResetResponse
	case b.DownloadResponse != nil:
		env.Method, env.Body = ResponseTo(MethodDownload), b.DownloadResponse
	case b.UploadResponse != nil:
		env.Method, env.Body = ResponseTo(MethodUpload), b.UploadResponse
	case b.Fault != nil:
		fault := b.Fault.Detail.Fault
		if fault.FaultCode == 0 {
			fault.FaultString = b.Fault.FaultString
		}
		env.Method, env.Body = MethodFault, &fault
	case len(b.Other) > 0:
		// Known to the device, not to us. The session answers with 8000.
		env.Method = b.Other[0].XMLName.Local
	default:
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	return env, nil
}

type outEnvelope struct {
	XMLName xml.Name  `xml:"soap-env:Envelope"`
	SoapEnv string    `xml:"xmlns:soap-env,attr"`
	SoapEnc string    `xml:"xmlns:soap-enc,attr"`
	Xsd     string    `xml:"xmlns:xsd,attr"`
	Xsi     string    `xml:"xmlns:xsi,attr"`
	Cwmp    string    `xml:"xmlns:cwmp,attr"`
	Header  outHeader `xml:"soap-env:Header"`
	Body    outBody   `xml:"soap-env:Body"`
}

type outHeader struct {
	ID outID `xml:"cwmp:ID"`
}

type outID struct {
	MustUnderstand string `xml:"soap-env:mustUnderstand,attr"`
	Value          string `xml:",chardata"`
}

type outBody struct {
	Content any
}

// Encode serializes a server message.
func (XMLCodec) Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, nil
	}
	version := env.Version
	if version == "" {
		version = NsCwmp10
	}

	content := env.Body
	if fault, ok := env.Body.(*Fault); ok {
		content = newSoapFaultOut(fault)
	}

	out := outEnvelope{
		SoapEnv: NsSoapEnv,
		SoapEnc: NsSoapEnc,
		Xsd:     NsXsd,
		Xsi:     NsXsi,
		Cwmp:    version,
		Header:  outHeader{ID: outID{MustUnderstand: "1", Value: env.ID}},
		Body:    outBody{Content: content},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", env.Method, err)
	}
	return buf.Bytes(), nil
}
