package domain

import "log/slog"

// Credentials is a short-lived scoped credential triple obtained from role
// assumption. It is consumed opaquely: never persisted, never logged.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// LogValue redacts the triple if a Credentials value ever reaches a logger.
func (Credentials) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// Empty reports whether no credential material is present.
func (c Credentials) Empty() bool {
	return c.AccessKeyID == "" && c.SecretAccessKey == "" && c.SessionToken == ""
}
