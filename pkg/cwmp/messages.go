// Package cwmp holds the CWMP message set used by the server and a minimal
// SOAP envelope codec for it.
package cwmp

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// Namespaces
const (
	NsSoapEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	NsSoapEnc = "http://schemas.xmlsoap.org/soap/encoding/"
	NsXsd     = "http://www.w3.org/2001/XMLSchema"
	NsXsi     = "http://www.w3.org/2001/XMLSchema-instance"
	NsCwmp10  = "urn:dslforum-org:cwmp-1-0"
)

// Inform event codes
const (
	EventBootstrap           = "0 BOOTSTRAP"
	EventBoot                = "1 BOOT"
	EventPeriodic            = "2 PERIODIC"
	EventScheduled           = "3 SCHEDULED"
	EventValueChange         = "4 VALUE CHANGE"
	EventConnectionRequest   = "6 CONNECTION REQUEST"
	EventTransferComplete    = "7 TRANSFER COMPLETE"
	EventDiagnosticsComplete = "8 DIAGNOSTICS COMPLETE"
	EventMReboot             = "M Reboot"
	EventMDownload           = "M Download"
	EventMUpload             = "M Upload"
)

// Method names
const (
	MethodInform                 = "Inform"
	MethodTransferComplete       = "TransferComplete"
	MethodGetRPCMethods          = "GetRPCMethods"
	MethodGetParameterValues     = "GetParameterValues"
	MethodGetParameterAttributes = "GetParameterAttributes"
	MethodSetParameterValues     = "SetParameterValues"
	MethodSetParameterAttributes = "SetParameterAttributes"
	MethodAddObject              = "AddObject"
	MethodDeleteObject           = "DeleteObject"
	MethodReboot                 = "Reboot"
	MethodFactoryReset           = "FactoryReset"
	MethodDownload               = "Download"
	MethodUpload                 = "Upload"
	MethodFault                  = "Fault"

	responseSuffix = "Response"
)

// ServerMethods are the device-initiated RPCs the server answers.
var ServerMethods = []string{MethodInform, MethodGetRPCMethods, MethodTransferComplete}

// IsResponse reports whether method names a response to a server request.
func IsResponse(method string) bool {
	return strings.HasSuffix(method, responseSuffix)
}

// ResponseTo returns the response method name for a request method.
func ResponseTo(method string) string {
	return method + responseSuffix
}

// Envelope is one decoded or to-be-encoded CWMP message.
// A nil *Envelope stands for an empty HTTP body.
type Envelope struct {
	ID      string
	Version string
	Method  string
	Body    any
}

// Device-originated messages

type DeviceID struct {
	Manufacturer string `xml:"Manufacturer"`
	OUI          string `xml:"OUI"`
	ProductClass string `xml:"ProductClass"`
	SerialNumber string `xml:"SerialNumber"`
}

type EventStruct struct {
	EventCode  string `xml:"EventCode"`
	CommandKey string `xml:"CommandKey"`
}

type EventList struct {
	Events []EventStruct `xml:"EventStruct"`
}

type Inform struct {
	DeviceID      DeviceID               `xml:"DeviceId"`
	Event         *EventList             `xml:"Event"`
	MaxEnvelopes  int                    `xml:"MaxEnvelopes"`
	CurrentTime   string                 `xml:"CurrentTime"`
	RetryCount    int                    `xml:"RetryCount"`
	ParameterList []ParameterValueStruct `xml:"ParameterList>ParameterValueStruct"`
}

// HasEvent reports whether the Inform carries the event code.
func (inform *Inform) HasEvent(code string) bool {
	_, ok := inform.CommandKey(code)
	return ok
}

// CommandKey returns the command key attached to an event code.
func (inform *Inform) CommandKey(code string) (string, bool) {
	if inform.Event == nil {
		return "", false
	}
	for _, ev := range inform.Event.Events {
		if ev.EventCode == code {
			return ev.CommandKey, true
		}
	}
	return "", false
}

// EventCodes returns the event codes in order.
func (inform *Inform) EventCodes() []string {
	if inform.Event == nil {
		return nil
	}
	codes := make([]string, 0, len(inform.Event.Events))
	for _, ev := range inform.Event.Events {
		codes = append(codes, ev.EventCode)
	}
	return codes
}

// Parameter looks a parameter up by the suffix of its name, so that both
// InternetGatewayDevice. and Device. data models match.
func (inform *Inform) Parameter(suffix string) (string, bool) {
	for _, p := range inform.ParameterList {
		if strings.HasSuffix(p.Name, suffix) {
			return p.Value.Value, true
		}
	}
	return "", false
}

type FaultStruct struct {
	FaultCode   int    `xml:"FaultCode"`
	FaultString string `xml:"FaultString"`
}

type TransferComplete struct {
	CommandKey   string      `xml:"CommandKey"`
	FaultStruct  FaultStruct `xml:"FaultStruct"`
	StartTime    string      `xml:"StartTime"`
	CompleteTime string      `xml:"CompleteTime"`
}

type GetRPCMethods struct{}

// Responses to server requests

type GetParameterValuesResponse struct {
	ParameterList []ParameterValueStruct `xml:"ParameterList>ParameterValueStruct"`
}

type ParameterAttributeStruct struct {
	Name         string   `xml:"Name"`
	Notification int      `xml:"Notification"`
	AccessList   []string `xml:"AccessList>string"`
}

type GetParameterAttributesResponse struct {
	ParameterList []ParameterAttributeStruct `xml:"ParameterList>ParameterAttributeStruct"`
}

type SetParameterValuesResponse struct {
	Status int `xml:"Status"`
}

type SetParameterAttributesResponse struct{}

type AddObjectResponse struct {
	InstanceNumber int `xml:"InstanceNumber"`
	Status         int `xml:"Status"`
}

type DeleteObjectResponse struct {
	Status int `xml:"Status"`
}

type RebootResponse struct{}

type FactoryResetResponse struct{}

type DownloadResponse struct {
	Status       int    `xml:"Status"`
	StartTime    string `xml:"StartTime"`
	CompleteTime string `xml:"CompleteTime"`
}

type UploadResponse struct {
	Status       int    `xml:"Status"`
	StartTime    string `xml:"StartTime"`
	CompleteTime string `xml:"CompleteTime"`
}

// ParameterValueStruct carries one parameter with its xsd type.
type ParameterValueStruct struct {
	Name  string     `xml:"Name"`
	Value ParamValue `xml:"Value"`
}

// ParamValue decodes the xsi:type attribute under any prefix and encodes it as xsi:type.
type ParamValue struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

func (v ParamValue) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = nil
	if v.Type != "" {
		typ := v.Type
		if !strings.Contains(typ, ":") {
			typ = "xsd:" + typ
		}
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "xsi:type"}, Value: typ})
	}
	return e.EncodeElement(struct {
		Value string `xml:",chardata"`
	}{v.Value}, start)
}

// Server-originated messages. The literal prefixes are bound on the envelope.

type InformResponse struct {
	XMLName      xml.Name `xml:"cwmp:InformResponse"`
	MaxEnvelopes int      `xml:"MaxEnvelopes"`
}

type TransferCompleteResponse struct {
	XMLName xml.Name `xml:"cwmp:TransferCompleteResponse"`
}

type GetRPCMethodsResponse struct {
	XMLName    xml.Name   `xml:"cwmp:GetRPCMethodsResponse"`
	MethodList StringList `xml:"MethodList"`
}

// StringList is a SOAP-encoded array of xsd:string.
type StringList struct {
	ArrayType string   `xml:"soap-enc:arrayType,attr"`
	Items     []string `xml:"string"`
}

func NewStringList(items []string) StringList {
	return StringList{ArrayType: arrayType("xsd:string", len(items)), Items: items}
}

type GetParameterValues struct {
	XMLName        xml.Name   `xml:"cwmp:GetParameterValues"`
	ParameterNames StringList `xml:"ParameterNames"`
}

type GetParameterAttributes struct {
	XMLName        xml.Name   `xml:"cwmp:GetParameterAttributes"`
	ParameterNames StringList `xml:"ParameterNames"`
}

type ParameterValueList struct {
	ArrayType string                 `xml:"soap-enc:arrayType,attr"`
	Items     []ParameterValueStruct `xml:"ParameterValueStruct"`
}

type SetParameterValues struct {
	XMLName       xml.Name           `xml:"cwmp:SetParameterValues"`
	ParameterList ParameterValueList `xml:"ParameterList"`
	ParameterKey  string             `xml:"ParameterKey"`
}

// NewSetParameterValues builds the request from name/value/type triples.
func NewSetParameterValues(values []ParameterValueStruct, parameterKey string) *SetParameterValues {
	return &SetParameterValues{
		ParameterList: ParameterValueList{
			ArrayType: arrayType("cwmp:ParameterValueStruct", len(values)),
			Items:     values,
		},
		ParameterKey: parameterKey,
	}
}

type SetParameterAttributesStruct struct {
	Name               string     `xml:"Name"`
	NotificationChange bool       `xml:"NotificationChange"`
	Notification       int        `xml:"Notification"`
	AccessListChange   bool       `xml:"AccessListChange"`
	AccessList         StringList `xml:"AccessList"`
}

type SetParameterAttributesList struct {
	ArrayType string                         `xml:"soap-enc:arrayType,attr"`
	Items     []SetParameterAttributesStruct `xml:"SetParameterAttributesStruct"`
}

type SetParameterAttributes struct {
	XMLName       xml.Name                   `xml:"cwmp:SetParameterAttributes"`
	ParameterList SetParameterAttributesList `xml:"ParameterList"`
}

func NewSetParameterAttributes(items []SetParameterAttributesStruct) *SetParameterAttributes {
	return &SetParameterAttributes{
		ParameterList: SetParameterAttributesList{
			ArrayType: arrayType("cwmp:SetParameterAttributesStruct", len(items)),
			Items:     items,
		},
	}
}

type AddObject struct {
	XMLName      xml.Name `xml:"cwmp:AddObject"`
	ObjectName   string   `xml:"ObjectName"`
	ParameterKey string   `xml:"ParameterKey"`
}

type DeleteObject struct {
	XMLName      xml.Name `xml:"cwmp:DeleteObject"`
	ObjectName   string   `xml:"ObjectName"`
	ParameterKey string   `xml:"ParameterKey"`
}

type Reboot struct {
	XMLName    xml.Name `xml:"cwmp:Reboot"`
	CommandKey string   `xml:"CommandKey"`
}

type FactoryReset struct {
	XMLName xml.Name `xml:"cwmp:FactoryReset"`
}

type Download struct {
	XMLName        xml.Name `xml:"cwmp:Download"`
	CommandKey     string   `xml:"CommandKey"`
	FileType       string   `xml:"FileType"`
	URL            string   `xml:"URL"`
	Username       string   `xml:"Username"`
	Password       string   `xml:"Password"`
	FileSize       int      `xml:"FileSize"`
	TargetFileName string   `xml:"TargetFileName"`
	DelaySeconds   int      `xml:"DelaySeconds"`
	SuccessURL     string   `xml:"SuccessURL"`
	FailureURL     string   `xml:"FailureURL"`
}

type Upload struct {
	XMLName      xml.Name `xml:"cwmp:Upload"`
	CommandKey   string   `xml:"CommandKey"`
	FileType     string   `xml:"FileType"`
	URL          string   `xml:"URL"`
	Username     string   `xml:"Username"`
	Password     string   `xml:"Password"`
	DelaySeconds int      `xml:"DelaySeconds"`
}

func arrayType(elem string, n int) string {
	return elem + "[" + strconv.Itoa(n) + "]"
}
