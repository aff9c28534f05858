package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/repr"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/squareup/corax"
	"github.com/squareup/corax/conf"
	"github.com/squareup/corax/errors"
	"go.uber.org/zap"
)

const (
	maxBufferedLines = 1000
	commandTimeout   = 30 * time.Second
)

// Cli executes interactive commands against a cluster client.
type Cli struct {
	lock      sync.Mutex
	started   bool
	executing bool
	cfg       *conf.Config
	logger    *zap.Logger
	client    *corax.Client

	releaseForceMaster func()
}

func NewCli(cfg *conf.Config, logger *zap.Logger) *Cli {
	return &Cli{
		cfg:    cfg,
		logger: logger,
	}
}

func (c *Cli) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.started {
		return nil
	}
	client, err := corax.NewClient(c.cfg, c.logger)
	if err != nil {
		return err
	}
	c.client = client
	c.started = true
	return nil
}

func (c *Cli) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.started {
		return nil
	}
	if c.releaseForceMaster != nil {
		c.releaseForceMaster()
		c.releaseForceMaster = nil
	}
	c.client.Close()
	c.started = false
	return nil
}

// ExecuteCommand executes one command. Lines of output are received on the
// returned channel; when the channel is closed the command is complete.
func (c *Cli) ExecuteCommand(command string) (chan string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.started {
		return nil, errors.New("not started")
	}
	if c.executing {
		return nil, errors.New("command already executing")
	}
	ch := make(chan string, maxBufferedLines)
	c.executing = true
	go c.doExecuteCommand(command, ch)
	return ch, nil
}

func (c *Cli) doExecuteCommand(command string, ch chan string) {
	if err := c.doExecuteCommandWithError(command, ch); err != nil {
		ch <- fmt.Sprintf("error: %v", err)
	}
	close(ch)
	c.lock.Lock()
	c.executing = false
	c.lock.Unlock()
}

func (c *Cli) doExecuteCommandWithError(command string, ch chan string) error {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(command), ";"))
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	switch strings.ToLower(fields[0]) {
	case "help":
		for _, line := range helpLines {
			ch <- line
		}
		return nil
	case "topology":
		return c.printTopology(ch)
	case "leader":
		if leader := c.client.Leader(); leader != "" {
			ch <- leader
		} else {
			ch <- "(no leader known)"
		}
		return nil
	case "stats":
		ch <- repr.String(c.client.Stats(), repr.Indent("  "))
		return nil
	case "refresh":
		if err := c.client.RefreshTopology(ctx, true); err != nil {
			return err
		}
		return c.printTopology(ch)
	case "policy":
		return c.policy(fields[1:], ch)
	case "force-master":
		return c.forceMaster(fields[1:], ch)
	case "watch":
		return c.watch(fields[1:], ch)
	case "get", "delete":
		if len(fields) != 2 {
			return errors.Errorf("usage: %s <path>", fields[0])
		}
		return c.request(ctx, strings.ToUpper(fields[0]), fields[1], nil, ch)
	case "put", "post":
		if len(fields) < 3 {
			return errors.Errorf("usage: %s <path> <json>", fields[0])
		}
		body := strings.Join(fields[2:], " ")
		return c.request(ctx, strings.ToUpper(fields[0]), fields[1], []byte(body), ch)
	default:
		return errors.Errorf("unknown command '%s', try 'help'", fields[0])
	}
}

var helpLines = []string{
	"topology                   show the known cluster membership",
	"leader                     show the node currently believed to be leader",
	"stats                      show client statistics",
	"refresh                    force a topology refresh and show the result",
	"policy [name]              show or set the failover behavior",
	"force-master [on|off]      pin striped reads to the leader",
	"watch [seconds] [rounds]   poll the topology and print changes",
	"get <path>                 issue a GET against the cluster",
	"put <path> <json>          issue a PUT against the cluster",
	"post <path> <json>         issue a POST against the cluster",
	"delete <path>              issue a DELETE against the cluster",
	"exit                       quit",
}

func (c *Cli) printTopology(ch chan string) error {
	statuses := c.client.Topology()
	if len(statuses) == 0 {
		ch <- "(no topology known yet, run 'refresh')"
		return nil
	}
	ch <- formatTopology(statuses)
	return nil
}

func formatTopology(statuses []corax.NodeStatus) string {
	lines := make([]string, 0, len(statuses))
	for _, status := range statuses {
		role := "follower"
		if status.IsLeader {
			role = "leader"
		}
		line := fmt.Sprintf("%-8s %s", role, status.URL)
		if status.Failures > 0 {
			line += fmt.Sprintf(" (failures: %d)", status.Failures)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (c *Cli) policy(args []string, ch chan string) error {
	conventions := c.client.Conventions()
	if len(args) == 0 {
		ch <- conventions.FailoverBehavior().String()
		return nil
	}
	behavior, err := conf.ParseFailoverBehavior(args[0])
	if err != nil {
		return err
	}
	conventions.SetFailoverBehavior(behavior)
	ch <- fmt.Sprintf("failover behavior set to %s", behavior)
	return nil
}

func (c *Cli) forceMaster(args []string, ch chan string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return errors.New("usage: force-master on|off")
	}
	if args[0] == "on" {
		if c.releaseForceMaster != nil {
			return errors.New("already forced to master")
		}
		c.releaseForceMaster = c.client.ForceReadFromMaster()
		ch <- "striped reads pinned to leader"
		return nil
	}
	if c.releaseForceMaster == nil {
		return errors.New("not currently forced to master")
	}
	c.releaseForceMaster()
	c.releaseForceMaster = nil
	ch <- "striped reads restored"
	return nil
}

// watch polls the topology and prints a diff whenever it changes. It runs
// for a bounded number of rounds so the output channel always closes.
func (c *Cli) watch(args []string, ch chan string) error {
	interval := 2 * time.Second
	rounds := 10
	if len(args) > 0 {
		seconds, err := strconv.Atoi(args[0])
		if err != nil || seconds <= 0 {
			return errors.New("usage: watch [seconds] [rounds]")
		}
		interval = time.Duration(seconds) * time.Second
	}
	if len(args) > 1 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil || parsed <= 0 {
			return errors.New("usage: watch [seconds] [rounds]")
		}
		rounds = parsed
	}
	dmp := diffmatchpatch.New()
	prev := formatTopology(c.client.Topology())
	ch <- prev
	for i := 0; i < rounds; i++ {
		time.Sleep(interval)
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err := c.client.RefreshTopology(ctx, true)
		cancel()
		if err != nil {
			return err
		}
		cur := formatTopology(c.client.Topology())
		if cur == prev {
			continue
		}
		ch <- fmt.Sprintf("--- change at %s ---", time.Now().Format(time.RFC3339))
		ch <- dmp.DiffPrettyText(dmp.DiffMain(prev, cur, false))
		prev = cur
	}
	return nil
}

func (c *Cli) request(ctx context.Context, method, path string, body []byte, ch chan string) error {
	resp, err := c.client.Execute(ctx, method, path, body)
	if err != nil {
		return err
	}
	ch <- fmt.Sprintf("%d from %s", resp.StatusCode, resp.Node.URL())
	if len(resp.Body) > 0 {
		ch <- string(resp.Body)
	}
	return nil
}

