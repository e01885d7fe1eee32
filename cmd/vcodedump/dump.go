package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/xyproto/env/v2"

	"github.com/faddat/vcode/internal/engine/wazevo"
	"github.com/faddat/vcode/internal/engine/wazevo/backend"
	"github.com/faddat/vcode/internal/engine/wazevo/ssa"
	"github.com/faddat/vcode/internal/engine/wazevo/testcases"
)

const (
	flagConfigFile     = "config"
	flagSafepoints     = "safepoints"
	flagVerifier       = "verifier"
	flagImplicitSRet   = "implicit-sret"
	flagBlockAlignment = "block-alignment"
)

type dumpOptions struct {
	configFile string
	logLevel   string
	workers    int
	list       bool

	// overrides of the settings file, applied when set on the command line.
	safepoints     bool
	verifier       bool
	implicitSRet   bool
	blockAlignment uint32
}

// newDumpCommand returns the root command. Without arguments every built-in function is compiled.
func newDumpCommand(out io.Writer) *cobra.Command {
	var opts dumpOptions

	cmd := &cobra.Command{
		Use:           "vcodedump [OPTIONS] [FUNCTION...]",
		Short:         "Compile built-in functions to arm64 and print every stage of the backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.list {
				return listFunctions(out)
			}
			log, err := newLogger(opts.logLevel)
			if err != nil {
				return err
			}
			flags, err := loadFlags(opts.configFile)
			if err != nil {
				return err
			}
			applyOverrides(flags, &opts, cmd.Flags())
			return runDump(cmd, out, log, flags, opts.workers, args)
		},
	}
	cmd.SetOut(out)

	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, flagConfigFile, "c", env.Str("VCODEDUMP_CONFIG", ""), "Settings file in TOML")
	flags.StringVar(&opts.logLevel, "log-level", env.Str("VCODEDUMP_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flags.IntVarP(&opts.workers, "workers", "w", env.Int("VCODEDUMP_WORKERS", runtime.NumCPU()), "Number of functions compiled in parallel")
	flags.BoolVarP(&opts.list, "list", "l", false, "List the built-in functions and exit")
	flags.BoolVar(&opts.safepoints, flagSafepoints, true, "Emit stack maps at calls")
	flags.BoolVar(&opts.verifier, flagVerifier, false, "Verify the VCode after building and after register allocation")
	flags.BoolVar(&opts.implicitSRet, flagImplicitSRet, false, "Return the values which do not fit in registers through memory")
	flags.Uint32Var(&opts.blockAlignment, flagBlockAlignment, 0, "Minimum alignment of basic blocks in bytes")
	return cmd
}

func newLogger(level string) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logrus.NewEntry(logger), nil
}

// loadFlags reads the settings file. An empty path yields the defaults.
func loadFlags(path string) (*backend.Flags, error) {
	flags := backend.DefaultFlags()
	if path == "" {
		return flags, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading settings")
	}
	if err := toml.Unmarshal(data, flags); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return flags, nil
}

func applyOverrides(flags *backend.Flags, opts *dumpOptions, set *pflag.FlagSet) {
	if set.Changed(flagSafepoints) {
		flags.EnableSafepoints = opts.safepoints
	}
	if set.Changed(flagVerifier) {
		flags.EnableVerifier = opts.verifier
	}
	if set.Changed(flagImplicitSRet) {
		flags.EnableMultiRetImplicitSRet = opts.implicitSRet
	}
	if set.Changed(flagBlockAlignment) {
		flags.BlockAlignment = opts.blockAlignment
	}
}

// selectFunctions returns the built-in functions of the names, or all of them when names is empty.
func selectFunctions(names []string) ([]*ssa.Function, error) {
	if len(names) == 0 {
		return testcases.Functions(), nil
	}
	ret := make([]*ssa.Function, 0, len(names))
	for _, name := range names {
		tc, ok := testcases.Lookup(name)
		if !ok {
			return nil, errors.Errorf("unknown function %q, see --list", name)
		}
		ret = append(ret, tc.Func)
	}
	return ret, nil
}

func listFunctions(out io.Writer) error {
	for _, tc := range append(testcases.All, testcases.ManyParamsAndResults) {
		if _, err := fmt.Fprintf(out, "%s\t%s\n", tc.Name, tc.Func.Sig); err != nil {
			return err
		}
	}
	return nil
}

func runDump(cmd *cobra.Command, out io.Writer, log *logrus.Entry, flags *backend.Flags, workers int, names []string) error {
	fns, err := selectFunctions(names)
	if err != nil {
		return err
	}
	e := wazevo.NewEngine(flags, log, workers)
	defer e.Close()

	m := wazevo.NewModule(fns...)
	if err := e.CompileModule(cmd.Context(), m); err != nil {
		return err
	}
	cm, _ := e.CompiledModule(m.ID)
	log.WithFields(logrus.Fields{"module": fmt.Sprintf("%x", m.ID[:8]), "size": len(cm.Executable)}).Info("compiled")

	var sb strings.Builder
	for _, f := range cm.Functions {
		writeFunction(&sb, cm, f)
	}
	_, err = io.WriteString(out, sb.String())
	return err
}

func writeFunction(sb *strings.Builder, cm *wazevo.CompiledModule, f wazevo.CompiledFunction) {
	fmt.Fprintf(sb, "function %s at %#x, frame %d bytes\n", f.Name, f.Offset, f.FrameSize)
	fmt.Fprintf(sb, "-- lowered --\n%s\n", strings.TrimRight(f.Lowered, "\n"))
	fmt.Fprintf(sb, "-- allocated --\n%s\n", strings.TrimRight(f.Allocated, "\n"))

	code := f.Code
	sb.WriteString("-- code --\n")
	linked := cm.Executable[f.Offset : f.Offset+len(code.Data)]
	for off := 0; off+4 <= len(linked); off += 4 {
		fmt.Fprintf(sb, "0x%04x: %08x\n", off, binary.LittleEndian.Uint32(linked[off:]))
	}
	if code.Islands > 0 {
		fmt.Fprintf(sb, "islands: %d\n", code.Islands)
	}
	for _, l := range code.SrcLocs {
		fmt.Fprintf(sb, "srcloc [%#x, %#x) %s\n", l.Start, l.End, l.Loc)
	}
	for _, r := range code.Relocs {
		fmt.Fprintf(sb, "reloc %#x %s %s%+d\n", r.Offset, r.Kind, r.Name, r.Addend)
	}
	for _, t := range code.Traps {
		fmt.Fprintf(sb, "trap %#x code=%d\n", t.Offset, t.Code)
	}
	for _, s := range code.StackMaps {
		fmt.Fprintf(sb, "stackmap [%#x, %#x) %s\n", s.Offset, s.Offset+s.Size, s.StackMap)
	}
	sb.WriteByte('\n')
}
