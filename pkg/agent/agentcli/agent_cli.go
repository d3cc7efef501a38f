package agentcli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ledwizd/ledwizd/internal/lwzsvc"
	"github.com/ledwizd/ledwizd/internal/lwzsvc/linux"
	"github.com/ledwizd/ledwizd/pkg/agent"
	"github.com/spf13/cobra"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "ledwizd"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:      filepath.Join(configDir, "data"),
		DeviceConfig: filepath.Join(configDir, "devices.yml"),
	}
	rootCmd := &cobra.Command{
		Use:   "ledwizd",
		Short: "LedWiz output-controller agent",
		Long:  `ledwizd mediates between client applications and LedWiz output controllers.`,
	}
	var a *agent.Agent
	provider := func() *agent.Agent {
		return a
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.DeviceConfig, "device-config", cfg.DeviceConfig, "device tuning file")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = agent.NewAgent(cfg)
		return err
	}
	rootCmd.AddCommand(NewRun(provider))
	rootCmd.AddCommand(NewListDevices(provider))
	rootCmd.AddCommand(NewSBA(provider))
	rootCmd.AddCommand(NewPBA(provider))
	rootCmd.AddCommand(NewRawWrite(provider))
	rootCmd.AddCommand(NewRawRead(provider))
	rootCmd.AddCommand(NewEmulate(provider))
	return rootCmd
}

func NewRun(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long:  `Scan for LedWiz units, follow hotplug events and log transitions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer agent().Close()
			return agent().Run(cmd.Context())
		},
	}
}

func NewListDevices(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List known LedWiz units",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer agent().Close()
			list := &lwzsvc.DeviceList{}
			agent().LWZ().SetNotify(nil, list)
			records, err := agent().Store().List()
			if err != nil {
				return err
			}
			type unitStatus struct {
				lwzsvc.UnitRecord
				Attached bool `json:"attached"`
			}
			status := make([]unitStatus, 0, len(records))
			for _, rec := range records {
				status = append(status, unitStatus{
					UnitRecord: rec,
					Attached:   agent().LWZ().IsAttached(rec.Unit),
				})
			}
			jsonB, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

// scan populates the slot table so a one-shot command can target a unit.
func scan(a *agent.Agent) {
	list := &lwzsvc.DeviceList{}
	a.LWZ().SetNotify(nil, list)
}

func parseUnit(arg string) (int32, error) {
	unit, err := strconv.ParseInt(arg, 10, 32)
	if err != nil || unit < 1 || unit > lwzsvc.MaxDevices {
		return 0, fmt.Errorf("invalid unit: %s", arg)
	}
	return int32(unit), nil
}

func parseByte(arg string) (byte, error) {
	v, err := strconv.ParseUint(arg, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte value: %s", arg)
	}
	return byte(v), nil
}

func NewSBA(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "sba <unit> <bank0> <bank1> <bank2> <bank3> <speed>",
		Short: "Set all output switch states",
		Args:  cobra.ExactArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer agent().Close()
			unit, err := parseUnit(args[0])
			if err != nil {
				return err
			}
			var b [5]byte
			for i := 0; i < 5; i++ {
				b[i], err = parseByte(args[i+1])
				if err != nil {
					return err
				}
			}
			scan(agent())
			if !agent().LWZ().IsAttached(unit) {
				return fmt.Errorf("unit %d is not attached", unit)
			}
			agent().LWZ().SBA(unit, b[0], b[1], b[2], b[3], b[4])
			return nil
		},
	}
}

func NewPBA(agent agentProvider) *cobra.Command {
	var all int
	cmd := &cobra.Command{
		Use:   "pba <unit> [value...]",
		Short: "Set all 32 output profile values",
		Long:  `Values 1..48 set PWM duty; 129..132 select the auto-pulse modes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer agent().Close()
			if len(args) < 1 {
				return fmt.Errorf("usage: pba <unit> [value...]")
			}
			unit, err := parseUnit(args[0])
			if err != nil {
				return err
			}
			profile := make([]byte, 32)
			switch {
			case all > 0:
				for i := range profile {
					profile[i] = byte(all)
				}
			case len(args) == 33:
				for i, arg := range args[1:] {
					profile[i], err = parseByte(arg)
					if err != nil {
						return err
					}
				}
			default:
				return fmt.Errorf("expected 32 values or --all")
			}
			scan(agent())
			if !agent().LWZ().IsAttached(unit) {
				return fmt.Errorf("unit %d is not attached", unit)
			}
			agent().LWZ().PBA(unit, profile)
			return nil
		},
	}
	cmd.Flags().IntVar(&all, "all", 0, "set every output to this value")
	return cmd
}

func NewRawWrite(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "raw-write <unit> <hex>",
		Short: "Write raw bytes to a unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer agent().Close()
			unit, err := parseUnit(args[0])
			if err != nil {
				return err
			}
			data, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("invalid hex payload: %w", err)
			}
			scan(agent())
			n := agent().LWZ().RawWrite(unit, data)
			fmt.Fprintf(cmd.OutOrStdout(), "%d bytes written\n", n)
			return nil
		},
	}
}

func NewRawRead(agent agentProvider) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "raw-read <unit>",
		Short: "Read raw bytes from a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer agent().Close()
			unit, err := parseUnit(args[0])
			if err != nil {
				return err
			}
			scan(agent())
			buf := make([]byte, count)
			n := agent().LWZ().RawRead(unit, buf)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", hex.EncodeToString(buf[:n]))
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 64, "number of bytes to read")
	return cmd
}

func NewEmulate(agent agentProvider) *cobra.Command {
	var unit int32
	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Emulate a LedWiz unit via uhid",
		Long:  `Create a virtual LedWiz unit and decode the reports written to it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer agent().Close()
			emu, err := linux.NewEmulator(agent().Logger().Named("emu"), unit)
			if err != nil {
				return err
			}
			return emu.Run(cmd.Context())
		},
	}
	cmd.Flags().Int32Var(&unit, "unit", 1, "unit number to emulate")
	return cmd
}
