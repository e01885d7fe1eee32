package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	cmd := newDumpCommand(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logrus.Exit(1)
	}
}
