package shell

import "context"

// Prefixed is a Shell that runs every script as arguments to a fixed command on an inner Shell,
// e.g. Prefixed{Shell: bash, Prefix: "git"} turns "status" into "git status".
type Prefixed struct {
	Shell
	Prefix string
}

func (p *Prefixed) Start(ctx context.Context, req StartRequest) (Worker, error) {
	if req.Script == "" {
		req.Script = p.Prefix
	} else {
		req.Script = p.Prefix + " " + req.Script
	}
	return p.Shell.Start(ctx, req)
}
