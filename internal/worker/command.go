package worker

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/openmc/dropwatch/internal/model"
)

// Kind names a worker slot. At most one supervised worker per kind is alive.
type Kind string

const (
	KindMonitor      Kind = "monitor"
	KindClaim        Kind = "claim"
	KindAuthenticate Kind = "authenticate"
	KindCheck        Kind = "check"
	KindDropTime     Kind = "drop_time"
)

// Command is a prototype of a worker invocation. Arguments passed to
// Start are appended after Args.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// FromConfig converts a configured worker command. Env values starting
// with $ are expanded and appended to the environment of the current process.
func FromConfig(c model.WorkerCommand) Command {
	var env []string
	if len(c.Env) > 0 {
		env = os.Environ()
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := c.Env[k]
			if strings.HasPrefix(v, "$") {
				v = os.ExpandEnv(v)
			}
			env = append(env, strings.ToUpper(k)+"="+v)
		}
	}
	return Command{
		Path:    c.Path,
		Args:    append([]string(nil), c.Args...),
		Env:     env,
		Timeout: c.Timeout,
	}
}

// Commands maps every configured worker to its kind.
func Commands(cfg model.Workers) map[Kind]Command {
	return map[Kind]Command{
		KindMonitor:      FromConfig(cfg.Monitor),
		KindClaim:        FromConfig(cfg.Claim),
		KindAuthenticate: FromConfig(cfg.Authenticate),
		KindCheck:        FromConfig(cfg.Check),
		KindDropTime:     FromConfig(cfg.DropTime),
	}
}
