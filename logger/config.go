package logger

// Config logger configuration
type Config struct {
	Level  string `json:"level"`  // debug, info, warn, error (default: info)
	Format string `json:"format"` // text or json (default: text)
	Caller bool   `json:"caller"` // report file:line of the call site
}

// SetDefaults fills empty fields
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}
