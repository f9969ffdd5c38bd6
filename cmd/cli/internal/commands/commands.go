package commands

type Globals struct {
	Debug   bool
	Version string
}
