package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapshim/cabi"
	"github.com/joshuapare/heapshim/rom"
	"github.com/joshuapare/heapshim/shim"
)

var romStage bool

func init() {
	romCmd := &cobra.Command{
		Use:   "rom",
		Short: "Inspect cartridge images",
	}

	info := newROMInfoCmd()
	info.Flags().BoolVar(&romStage, "stage", false, "Also stage the image into adapter memory and verify the copy")
	romCmd.AddCommand(info)
	rootCmd.AddCommand(romCmd)
}

func newROMInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <file>",
		Short: "Show the header of a .z64, .v64 or .n64 image",
		Long: `The info command detects the byte order of a cartridge image, normalizes
it and prints the decoded header.

Example:
  shimctl rom info game.z64
  shimctl rom info game.v64 --stage --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runROMInfo(args)
		},
	}
}

// ROMReport is the JSON form of rom info.
type ROMReport struct {
	File      string `json:"file"`
	Format    string `json:"format"`
	Size      int    `json:"size"`
	Title     string `json:"title"`
	GameCode  string `json:"game_code"`
	Region    string `json:"region"`
	Version   uint8  `json:"version"`
	ClockRate string `json:"clock_rate"`
	Entry     string `json:"entry_point"`
	Release   string `json:"release"`
	CRC1      string `json:"crc1"`
	CRC2      string `json:"crc2"`
	Staged    bool   `json:"staged,omitempty"`
}

func runROMInfo(args []string) error {
	path := args[0]
	printVerbose("Reading image: %s\n", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	r, err := rom.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	h := r.Header
	report := ROMReport{
		File:      path,
		Format:    r.Format.String(),
		Size:      len(r.Data),
		Title:     h.Title,
		GameCode:  h.GameCode,
		Region:    h.RegionName(),
		Version:   h.Version,
		ClockRate: fmt.Sprintf("0x%08X", h.ClockRate),
		Entry:     fmt.Sprintf("0x%08X", h.Entry),
		Release:   fmt.Sprintf("0x%08X", h.Release),
		CRC1:      fmt.Sprintf("0x%08X", h.CRC1),
		CRC2:      fmt.Sprintf("0x%08X", h.CRC2),
	}

	if romStage {
		if err := stageAndVerify(cabi.Current(), r); err != nil {
			return err
		}
		report.Staged = true
	}

	if jsonOut {
		return printJSON(report)
	}

	printInfo("Image: %s\n", path)
	printInfo("  Format:       %s\n", report.Format)
	printInfo("  Size:         %s\n", humanize.IBytes(uint64(report.Size)))
	printInfo("  Title:        %s\n", report.Title)
	printInfo("  Game code:    %s\n", report.GameCode)
	printInfo("  Region:       %s\n", report.Region)
	printInfo("  Version:      1.%d\n", report.Version)
	printInfo("  Entry point:  %s\n", report.Entry)
	printInfo("  Clock rate:   %s\n", report.ClockRate)
	printInfo("  Release:      %s\n", report.Release)
	printInfo("  CRC:          %s %s\n", report.CRC1, report.CRC2)
	if report.Staged {
		printInfo("  Staged:       ok\n")
	}
	return nil
}

func stageAndVerify(s *shim.Shim, r *rom.ROM) error {
	buf, release, err := rom.Stage(s, r)
	if err != nil {
		return err
	}
	defer release()

	for i := range buf {
		if buf[i] != r.Data[i] {
			return fmt.Errorf("staged copy differs at offset %#x", i)
		}
	}
	printVerbose("Staged %s at %p\n", humanize.IBytes(uint64(len(buf))), &buf[0])
	return nil
}
