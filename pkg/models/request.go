package models

// Operation types for request-reply communication
const (
	OpList   = "list"
	OpGet    = "get"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"

	OpGetByKey        = "get_by_key"       // Lookup by natural key (device key, correlation id)
	OpMarkUnreachable = "mark_unreachable" // Health monitor verdict for a device key
)

// Request is a point-to-point message with reply channel for synchronous communication
type Request struct {
	Operation  string        // list, get, create, update, delete, get_by_key, mark_unreachable
	EntityType string        // "Device", "OperationRecord"
	ID         int64         // For get/update/delete
	Key        string        // For get_by_key and mark_unreachable
	Payload    interface{}   // Entity, or *Page for list
	ReplyCh    chan Response // Caller waits on this for synchronous reply
}

// Response contains result or error from service layer
type Response struct {
	Data  interface{}
	Error error
}

// Page bounds a list request. A zero Limit returns every row.
type Page struct {
	Limit  int
	Offset int
}
