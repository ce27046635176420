package source

import (
	"context"
	"os/user"

	"github.com/acolita/micro-repl/internal/ports"
	"github.com/acolita/micro-repl/internal/ssh"
)

// AgentDialer dials sftp hosts with the ssh agent and the default keys,
// verifying host keys against ~/.ssh/known_hosts. A missing user is the
// local user.
func AgentDialer(fsys ports.FileSystem, clock ports.Clock) DialFunc {
	return func(ctx context.Context, r Remote) (*ssh.Client, error) {
		if r.User == "" {
			if u, err := user.Current(); err == nil {
				r.User = u.Username
			}
		}
		auth, err := ssh.BuildAuthMethods(ssh.AuthConfig{UseAgent: true, Host: r.Host, FS: fsys})
		if err != nil {
			return nil, err
		}
		hostKeys, err := ssh.BuildHostKeyCallback(fsys, "", false)
		if err != nil {
			return nil, err
		}
		return ssh.Dial(ctx, ssh.Options{
			Host:            r.Host,
			Port:            r.Port,
			User:            r.User,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Clock:           clock,
		})
	}
}
