// Command sendcommand submits server commands over the trusted admin socket.
// It is meant for shell scripts and cron jobs on the server host: the admin
// socket needs no login, so a one-liner can expire old messages or shut the
// server down.
//
//	sendcommand "ECHO hello"
//	echo "DOWN" | sendcommand
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/citadel-dev/citadel/internal/modules/baseproto"
	"github.com/citadel-dev/citadel/pkg/config"
)

var (
	cfgFile    string
	socketPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sendcommand [command]",
	Short: "Send a command to a running Citadel server",
	Long: `Send one protocol command to a running Citadel server over the local
admin socket. The admin socket is trusted, so no login is required; only
users able to reach the socket path can use it.

With a command argument, sends that single command and prints the response.
Without arguments, reads commands from standard input, one per line.

Examples:
  # One-off command
  sendcommand "ECHO test"

  # Graceful shutdown once the last user logs out
  sendcommand "SCDN 1"

  # Batch mode
  sendcommand < maintenance-commands.txt`,
	Args: cobra.ArbitraryArgs,
	RunE: run,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (used to locate the run directory)")
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "admin socket path (default: <run_dir>/"+baseproto.AdminSocket+")")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-command response timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	sock := socketPath
	if sock == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		sock = filepath.Join(cfg.RunDir, baseproto.AdminSocket)
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return fmt.Errorf("connect to %s: %w\n\nIs the server running?", sock, err)
	}
	defer conn.Close()

	c := &client{conn: conn, r: bufio.NewReader(conn)}

	// The server speaks first.
	greeting, err := c.readLine()
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if firstDigit(greeting) == '5' {
		return fmt.Errorf("server refused connection: %s", text(greeting))
	}

	if len(args) > 0 {
		return c.exchange(strings.Join(args, " "))
	}

	// Batch mode: commands from stdin, one per line.
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if err := c.exchange(line); err != nil {
			return err
		}
	}
	return in.Err()
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *client) readLine() (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *client) send(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := io.WriteString(c.conn, line+"\n")
	return err
}

// exchange runs one command and prints the full response. The first digit of
// the reply steers what follows: a listing until 000, a request for a text
// block, or a terminal one-liner.
func (c *client) exchange(command string) error {
	if err := c.send(command); err != nil {
		return err
	}
	reply, err := c.readLine()
	if err != nil {
		return err
	}
	fmt.Println(reply)

	switch firstDigit(reply) {
	case '1':
		// Listing follows, print through the terminator.
		for {
			line, err := c.readLine()
			if err != nil {
				return err
			}
			fmt.Println(line)
			if line == "000" {
				return nil
			}
		}
	case '4':
		// The server wants a text block; feed it the rest of stdin.
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			line := in.Text()
			if err := c.send(line); err != nil {
				return err
			}
			if line == "000" {
				return nil
			}
		}
		if err := in.Err(); err != nil {
			return err
		}
		return c.send("000")
	case '5':
		return fmt.Errorf("server error: %s", text(reply))
	default:
		return nil
	}
}

func firstDigit(line string) byte {
	if line == "" {
		return 0
	}
	return line[0]
}

// text strips the numeric reply code, leaving the display text.
func text(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[i+1:]
	}
	return line
}
