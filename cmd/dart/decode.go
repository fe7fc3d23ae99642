package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/dart/internal/frame"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <channel> <file>",
	Short: "Decode a captured byte stream",
	Long: `Runs the decoder of a channel over a captured stream and prints every frame it
finds, one per line, followed by the number of rejected candidates.

Channels: capacitive, strain, piezo, thermal, environmental.
Use '-' as file to read stdin.

Examples:
  # Decode a raw serial capture of the thermal grid
  dart decode thermal grid.bin

  # Decode hex text, separators allowed
  echo "28 01 02 03 04 29" | dart decode strain - --hex`,
	Args: cobra.ExactArgs(2),
	RunE: runDecode,
}

var (
	decodeHex     bool
	decodeErrors bool
)

func init() {
	decodeCmd.Flags().BoolVar(&decodeHex, "hex", false, "Input is hex text")
	decodeCmd.Flags().BoolVar(&decodeErrors, "errors", false, "Print every framing error")
}

func runDecode(cmd *cobra.Command, args []string) error {
	ch, err := frame.ParseChannel(args[0])
	if err != nil {
		return err
	}
	dec, err := frame.NewDecoder(ch)
	if err != nil {
		return err
	}

	data, err := readInput(cmd, args[1])
	if err != nil {
		return err
	}
	if decodeHex {
		if data, err = parseHex(string(data)); err != nil {
			return err
		}
	}

	cmd.SilenceUsage = true

	buf := frame.NewFrameBuffer(len(data))
	buf.Append(data)
	frames, errs := dec.Decode(buf, time.Now())

	out := cmd.OutOrStdout()
	names := ch.ValueNames()
	for i, f := range frames {
		fmt.Fprintf(out, "#%d %s\n", i+1, formatValues(names, f.Values()))
	}
	if decodeErrors {
		for _, e := range errs {
			fmt.Fprintf(out, "! %s\n", e)
		}
	}
	fmt.Fprintf(out, "%d frames, %d framing errors, %d bytes left\n", len(frames), len(errs), buf.Len())
	return nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}

// parseHex accepts hex digits separated by whitespace, colons, dashes or commas.
func parseHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':', '-', ',':
			return -1
		}
		return r
	}, s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return data, nil
}

func formatValues(names []string, values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		name := strconv.Itoa(i)
		if i < len(names) {
			name = names[i]
		}
		parts[i] = name + "=" + strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}
