package main

import (
	"os"

	"github.com/G-Research/historian/cmd/sqlhistorian/cmd"
	"github.com/G-Research/historian/internal/common"
	"github.com/G-Research/historian/internal/common/logging"
)

func main() {
	_ = common.ConfigureLogging(logging.Config{Level: "info"})
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
