package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"timelapsed/internal/config"
	"timelapsed/internal/project"
	"timelapsed/internal/storage"
	logx "timelapsed/pkg/logx"
)

// openProjects opens the configured store directly; the server need not run.
func openProjects(cfgPath string) (*project.Service, func(), error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
	}, logx.Nop())
	if err != nil {
		return nil, nil, err
	}
	svc := project.NewService(store, cfg.Storage.CapturesDir, logx.Nop())
	return svc, func() { _ = store.Close() }, nil
}

func projectCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects", "p"},
		Short:   "Manage time-lapse projects in the configured store",
	}
	cmd.AddCommand(projectListCmd(cfgPath))
	cmd.AddCommand(projectShowCmd(cfgPath))
	cmd.AddCommand(projectCreateCmd(cfgPath))
	cmd.AddCommand(projectDeleteCmd(cfgPath))
	return cmd
}

func projectListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects, most recently modified first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := openProjects(*cfgPath)
			if err != nil {
				return err
			}
			defer closeFn()

			ps, err := svc.List(context.Background())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ps) == 0 {
				fmt.Fprintln(out, "No projects.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROGRESS\tINTERVAL\tMODIFIED")
			for _, p := range ps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%s\n",
					p.ID, p.Name, progress(p), p.IntervalSeconds, p.LastModified.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func projectShowCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := openProjects(*cfgPath)
			if err != nil {
				return err
			}
			defer closeFn()

			p, err := svc.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			printProject(cmd.OutOrStdout(), p)
			return nil
		},
	}
}

func projectCreateCmd(cfgPath *string) *cobra.Command {
	var in project.Params
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		Long: `Create a project from a duration and an interval.

Examples:
  timelapsed project create --name sunrise --duration 60 --interval 10
  timelapsed project create --name plant --duration 10080 --interval 600 --rotation 90`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := openProjects(*cfgPath)
			if err != nil {
				return err
			}
			defer closeFn()

			p, err := svc.Create(context.Background(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgGreen).Sprint("CREATED"), p.ID)
			printProject(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "project name")
	cmd.Flags().IntVar(&in.DurationMinutes, "duration", 0, "capture duration in minutes")
	cmd.Flags().IntVar(&in.IntervalSeconds, "interval", 0, "seconds between captures")
	cmd.Flags().IntVar(&in.FPS, "fps", project.DefaultFPS, "frames per second of the assembled video")
	cmd.Flags().IntVar(&in.Rotation, "rotation", 0, "clockwise rotation: 0, 90, 180 or 270")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("duration")
	_ = cmd.MarkFlagRequired("interval")
	return cmd
}

func projectDeleteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project and its captures",
		Long: `Delete a project record and its captures directory.

Stop the project's auto-capture through the API first when the server is running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := openProjects(*cfgPath)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := svc.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgRed).Sprint("DELETED"), args[0])
			return nil
		},
	}
}

func progress(p project.Project) string {
	s := fmt.Sprintf("%d/%d", p.CapturesCount, p.TotalCaptures())
	if p.Complete() {
		return color.New(color.FgGreen).Sprint(s)
	}
	return s
}

func printProject(out io.Writer, p project.Project) {
	fmt.Fprintf(out, "  ID:        %s\n", p.ID)
	fmt.Fprintf(out, "  Name:      %s\n", p.Name)
	fmt.Fprintf(out, "  Progress:  %s (%.1f%%)\n", progress(p), p.CompletionPercentage())
	fmt.Fprintf(out, "  Interval:  %ds over %d min\n", p.IntervalSeconds, p.DurationMinutes)
	fmt.Fprintf(out, "  Video:     %.1fs at %d fps\n", p.VideoDurationSeconds(), p.FPS)
	fmt.Fprintf(out, "  Rotation:  %d\n", p.Rotation)
	fmt.Fprintf(out, "  Created:   %s\n", p.CreatedAt.Format(time.DateTime))
}
