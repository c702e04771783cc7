package httpapi

// Config defines HTTP control API settings.
type Config struct {
	Addr     string
	BasePath string
	// Token, when set, is required as a bearer token on every request.
	Token string
	// HistorySize bounds the events kept for stream replay.
	HistorySize int
}
