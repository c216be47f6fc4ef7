package schema

// Credential is a decrypted set of provider credential fields for one
// user, e.g. {"token": "...", "workspace": "..."}. Credentials live in
// memory only for the duration of a single step invocation.
type Credential struct {
	UserID   string            `json:"user_id"`
	Provider string            `json:"provider"`
	Fields   map[string]string `json:"fields"`
}

// Field returns a single credential field, or "" when absent.
func (c *Credential) Field(name string) string {
	if c == nil {
		return ""
	}
	return c.Fields[name]
}
