package main

import (
	"os"

	"github.com/mdaiter/ios-lldb-dap/cmd/ios-lldb-dap/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
