package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/novatek-fw/nvtfwtool/internal/config"
	"github.com/novatek-fw/nvtfwtool/internal/container"
	"github.com/novatek-fw/nvtfwtool/internal/convert"
	"github.com/novatek-fw/nvtfwtool/internal/dispatch"
	"github.com/novatek-fw/nvtfwtool/internal/nvterr"
	"github.com/novatek-fw/nvtfwtool/internal/utils/logger"
)

var (
	inputPath           string
	outDir              string
	silent              bool
	format              string
	doExtract           bool
	doReplace           bool
	doUncomp            bool
	doComp              bool
	doFixCRC            bool
	doUdtb              bool
	doCdtb              bool
	doModelextDecompose bool
	doModelextCompose   bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "nvtfwtool",
		Short:        "inspect and edit Novatek-family firmware container files",
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		RunE:         run,
	}

	cmd.Flags().StringVarP(&inputPath, "i", "i", "", "input firmware file (required)")
	cmd.Flags().StringVarP(&outDir, "o", "o", "", "working directory for output files")
	cmd.Flags().BoolVar(&silent, "silent", false, "suppress informational logging")
	cmd.Flags().StringVar(&format, "format", "text", "report format: text, json, yaml")

	cmd.Flags().BoolVarP(&doExtract, "x", "x", false, "extract: id [offset] | ALL")
	cmd.Flags().BoolVarP(&doReplace, "r", "r", false, "replace: id offset file")
	cmd.Flags().BoolVarP(&doUncomp, "u", "u", false, "uncompress: id [offset]")
	cmd.Flags().BoolVarP(&doComp, "c", "c", false, "compress: id")
	cmd.Flags().BoolVar(&doFixCRC, "fixCRC", false, "repair all partition and file checksums")
	cmd.Flags().BoolVar(&doUdtb, "udtb", false, "decompile device tree: dtb [dts]")
	cmd.Flags().BoolVar(&doCdtb, "cdtb", false, "compile device tree: dts [dtb]")
	cmd.Flags().BoolVar(&doModelextDecompose, "modelext-decompose", false, "decompose a MODELEXT blob: file [outDir]")
	cmd.Flags().BoolVar(&doModelextCompose, "modelext-compose", false, "compose a MODELEXT blob: outFile record [record...]")

	cmd.MarkFlagRequired("i")
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func run(cmd *cobra.Command, args []string) error {
	logger.SetSilent(silent)

	switch countSelected(doExtract, doReplace, doUncomp, doComp, doFixCRC, doUdtb, doCdtb, doModelextDecompose, doModelextCompose) {
	case 0:
		return runReport(cmd, args)
	case 1:
		// exactly one operation selected, fall through below
	default:
		return nvterr.New(nvterr.KindArgument, "", "only one operation may be selected at a time")
	}

	switch {
	case doUdtb:
		return runUdtb(args)
	case doCdtb:
		return runCdtb(args)
	case doModelextDecompose:
		return runModelextDecompose(cmd, args)
	case doModelextCompose:
		return runModelextCompose(args)
	}

	img, err := container.Open(inputPath)
	if err != nil {
		return err
	}
	defer img.Close()

	switch {
	case doExtract:
		return runExtract(img, args)
	case doReplace:
		return runReplace(img, args)
	case doUncomp:
		return runUncompress(img, args)
	case doComp:
		return runCompress(img, args)
	case doFixCRC:
		return dispatch.FixCRC(img)
	}
	return nil
}

func countSelected(bs ...bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

func runReport(cmd *cobra.Command, args []string) error {
	img, err := container.Open(inputPath)
	if err != nil {
		return err
	}
	defer img.Close()

	rep, err := dispatch.BuildReport(img)
	if err != nil {
		return err
	}
	text, err := rep.Render(format)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}

func runExtract(img *container.FirmwareImage, args []string) error {
	if len(args) < 1 {
		return nvterr.New(nvterr.KindArgument, "-x", "expected: id [offset] | ALL")
	}
	if args[0] == "ALL" {
		return dispatch.Extract(img, 0, true, 0, outDir)
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var offset int64
	if len(args) >= 2 {
		offset, err = parseOffset(args[1])
		if err != nil {
			return err
		}
	}
	return dispatch.Extract(img, id, false, offset, outDir)
}

func runReplace(img *container.FirmwareImage, args []string) error {
	if len(args) < 3 {
		return nvterr.New(nvterr.KindArgument, "-r", "expected: id offset file")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	offset, err := parseOffset(args[1])
	if err != nil {
		return err
	}
	return dispatch.Replace(img, id, offset, args[2])
}

func runUncompress(img *container.FirmwareImage, args []string) error {
	if len(args) < 1 {
		return nvterr.New(nvterr.KindArgument, "-u", "expected: id [offset]")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var offset int64
	hasOffset := len(args) >= 2
	if hasOffset {
		offset, err = parseOffset(args[1])
		if err != nil {
			return err
		}
	}
	return dispatch.Uncompress(img, id, offset, hasOffset, outDir)
}

func runCompress(img *container.FirmwareImage, args []string) error {
	if len(args) < 1 {
		return nvterr.New(nvterr.KindArgument, "-c", "expected: id")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return dispatch.Compress(img, id, outDir)
}

func runUdtb(args []string) error {
	if len(args) < 1 {
		return nvterr.New(nvterr.KindArgument, "-udtb", "expected: dtb [dts]")
	}
	dtsPath := args[0] + ".dts"
	if len(args) >= 2 {
		dtsPath = args[1]
	}
	return convert.DecompileDTB(args[0], dtsPath)
}

func runCdtb(args []string) error {
	if len(args) < 1 {
		return nvterr.New(nvterr.KindArgument, "-cdtb", "expected: dts [dtb]")
	}
	dtbPath := args[0] + ".dtb"
	if len(args) >= 2 {
		dtbPath = args[1]
	}
	return convert.CompileDTB(args[0], dtbPath)
}

func runModelextDecompose(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return nvterr.New(nvterr.KindArgument, "-modelext-decompose", "expected: file [outDir]")
	}
	dir := outDir
	if len(args) >= 2 {
		dir = args[1]
	}
	dir, err := config.OutputDir(dir, args[0])
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return nvterr.Wrap(nvterr.KindIO, args[0], "read MODELEXT input", err)
	}

	paths, err := convert.DecomposeModelExt(raw, dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func runModelextCompose(args []string) error {
	if len(args) < 2 {
		return nvterr.New(nvterr.KindArgument, "-modelext-compose", "expected: outFile record [record...]")
	}
	out, err := convert.ComposeModelExt(args[1:])
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], out, 0o644); err != nil {
		return nvterr.Wrap(nvterr.KindIO, args[0], "write composed MODELEXT blob", err)
	}
	return nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, nvterr.Wrap(nvterr.KindArgument, s, "invalid partition id", err)
	}
	return uint32(v), nil
}

func parseOffset(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, nvterr.Wrap(nvterr.KindArgument, s, "invalid offset", err)
	}
	return v, nil
}
