package sshserver

// Config defines SSH console settings.
type Config struct {
	Addr        string
	HostKeyPath string
	// AuthorizedKeys holds authorized_keys formatted lines allowed to log in.
	AuthorizedKeys []string
	Prompt         string
}
