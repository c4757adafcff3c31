package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// uiMode is the value of the --ui flag. It satisfies pflag.Value, so an
// unknown mode is rejected while the command line is parsed.
type uiMode int

const (
	uiModeAuto uiMode = iota
	uiModeOn
	uiModeOff
)

var uiModeNames = [...]string{uiModeAuto: "auto", uiModeOn: "on", uiModeOff: "off"}

func (m uiMode) String() string {
	if int(m) < len(uiModeNames) {
		return uiModeNames[m]
	}
	return fmt.Sprintf("uiMode(%d)", int(m))
}

func (m *uiMode) Set(value string) error {
	name := strings.ToLower(strings.TrimSpace(value))
	if name == "" {
		*m = uiModeAuto
		return nil
	}
	for i, known := range uiModeNames {
		if name == known {
			*m = uiMode(i)
			return nil
		}
	}
	return fmt.Errorf("want one of %s", strings.Join(uiModeNames[:], "|"))
}

func (m *uiMode) Type() string { return "mode" }

// uiModeOf returns the parsed --ui flag of cmd, or auto when it has none.
func uiModeOf(cmd *cobra.Command) uiMode {
	if f := cmd.Flags().Lookup("ui"); f != nil {
		if m, ok := f.Value.(*uiMode); ok {
			return *m
		}
	}
	return uiModeAuto
}

// shouldUseTUI decides whether the progress view owns stdout. It never does
// when stdout carries formatted sources or JSON.
func shouldUseTUI(mode uiMode, plainText bool) bool {
	if !plainText {
		return false
	}
	switch mode {
	case uiModeOn:
		return true
	case uiModeOff:
		return false
	default:
		return isTerminal(os.Stdout)
	}
}
