package models

// Payloads per operation type. Validated with the same binding tags gin uses.

// ParameterNamesPayload is used by get-values and get-attributes.
type ParameterNamesPayload struct {
	Names []string `json:"names" binding:"required,min=1,dive,required"`
}

type ParameterValue struct {
	Name  string `json:"name" binding:"required"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty" binding:"omitempty,oneof=string int unsignedInt boolean dateTime base64"`
}

type SetValuesPayload struct {
	Values       []ParameterValue `json:"values" binding:"required,min=1,dive"`
	ParameterKey string           `json:"parameterKey"`
}

type ParameterAttribute struct {
	Name               string   `json:"name" binding:"required"`
	NotificationChange bool     `json:"notificationChange"`
	Notification       int      `json:"notification" binding:"min=0,max=2"`
	AccessListChange   bool     `json:"accessListChange"`
	AccessList         []string `json:"accessList,omitempty"`
}

type SetAttributesPayload struct {
	Attributes []ParameterAttribute `json:"attributes" binding:"required,min=1,dive"`
}

// ObjectPayload is used by add-object and delete-object. Object names end with a dot.
type ObjectPayload struct {
	ObjectName   string `json:"objectName" binding:"required,endswith=."`
	ParameterKey string `json:"parameterKey"`
}

// FilePayload describes a download or upload.
type FilePayload struct {
	FileType       string `json:"fileType" binding:"required"`
	URL            string `json:"url" binding:"required,url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	FileSize       int    `json:"fileSize" binding:"min=0"`
	TargetFileName string `json:"targetFileName"`
	DelaySeconds   int    `json:"delaySeconds" binding:"min=0"`
	// Download only: the software version the device must report afterwards.
	ExpectedVersion string `json:"expectedVersion"`
}

// DiagnosticsPayload starts a diagnostics test on a diagnostics object, e.g.
// "InternetGatewayDevice.IPPingDiagnostics.".
type DiagnosticsPayload struct {
	Object      string           `json:"object" binding:"required,endswith=."`
	Parameters  []ParameterValue `json:"parameters" binding:"dive"`
	ResultNames []string         `json:"resultNames"`
}

// Results

type SetValuesResult struct {
	Status int `json:"status"`
}

type AddObjectResult struct {
	InstanceNumber int `json:"instanceNumber"`
	Status         int `json:"status"`
}

type DeleteObjectResult struct {
	Status int `json:"status"`
}

type TransferResult struct {
	StartTime    string `json:"startTime,omitempty"`
	CompleteTime string `json:"completeTime,omitempty"`
	Version      string `json:"version,omitempty"`
}
