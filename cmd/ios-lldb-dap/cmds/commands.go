// Package cmds implements the command line interface of the adapter.
package cmds

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	sys "golang.org/x/sys/unix"

	"github.com/mdaiter/ios-lldb-dap/pkg/config"
	"github.com/mdaiter/ios-lldb-dap/pkg/logflags"
	"github.com/mdaiter/ios-lldb-dap/pkg/version"
	"github.com/mdaiter/ios-lldb-dap/service/dap"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path to write the log to.
	logDest string
)

// New returns the root command of the adapter.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "ios-lldb-dap",
		Short: "Debug Adapter Protocol bridge for remote debugserver sessions.",
		Long: `ios-lldb-dap speaks the Debug Adapter Protocol on stdin/stdout and
drives a debugserver instance over the gdb-remote serial protocol,
symbolicating addresses against the local Mach-O binary and its dSYM.

Launch configuration is taken from the client's launch request, with
defaults read from the JSON value of the ` + config.ConfigEnvVar + `
environment variable.`,
		RunE: serve,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (dap, gdbwire, symbols, debugger).")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Write logs to the specified file instead of standard error.")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ios-lldb-dap version: %s\n", version.AdapterVersion)
			fmt.Println(version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func serve(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	adapterConf := config.LoadConfig()
	defaults, _, err := config.FromEnv()
	if err != nil {
		return err
	}

	conn := &stdioConn{in: os.Stdin, out: os.Stdout}

	// interrupting the adapter ends the session cleanly
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT, sys.SIGTERM)
	go func() {
		<-ch
		conn.Close()
	}()

	server := dap.NewServer(conn, defaults, adapterConf)
	server.Run()
	return nil
}

// stdioConn bundles stdin/stdout into the single connection the DAP
// server reads requests from and writes responses to.
type stdioConn struct {
	in  io.ReadCloser
	out io.Writer
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c *stdioConn) Close() error {
	return c.in.Close()
}
