package uplink

import "time"

// Entity holds the audit timestamps shared by all persisted Uplink
// entities. Embed it in entity structs; stores maintain both fields.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch sets UpdatedAt to now, initializing CreatedAt on first call.
func (e *Entity) Touch(now time.Time) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}
