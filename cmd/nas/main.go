package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"time"

	"nas-go/internal/app"
	"nas-go/internal/config"
	"nas-go/internal/nas"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a NASApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Upload", "Restore").
func newApp(ctx context.Context, operation string) (*app.NASApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewNASApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// newSession creates a NASApp and logs in as the --user principal.
func newSession(cmd *cobra.Command, operation string) (*app.NASApp, error) {
	a, err := newApp(cmd.Context(), operation)
	if err != nil {
		return nil, err
	}
	username, err := actingUser(cmd)
	if err != nil {
		a.Close()
		return nil, err
	}
	password, err := readPassword("NAS_PASSWORD", fmt.Sprintf("Password for %s: ", username))
	if err != nil {
		a.Close()
		return nil, err
	}
	if _, err := a.Login(username, password); err != nil {
		a.Close()
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return a, nil
}

func actingUser(cmd *cobra.Command) (string, error) {
	if name, _ := cmd.Flags().GetString("user"); name != "" {
		return name, nil
	}
	if name := os.Getenv("NAS_USER"); name != "" {
		return name, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("cannot determine user, pass --user: %w", err)
	}
	return u.Username, nil
}

func ownerFlag(cmd *cobra.Command) string {
	owner, _ := cmd.Flags().GetString("owner")
	return owner
}

// readPassword reads a secret from envVar, or prompts on the terminal.
func readPassword(envVar, prompt string) (string, error) {
	if pw := os.Getenv(envVar); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt on, set %s", envVar)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

// readNewPassword reads a new secret from envVar, or prompts twice on the terminal.
func readNewPassword(envVar string) (string, error) {
	if pw := os.Getenv(envVar); pw != "" {
		return pw, nil
	}
	first, err := readPassword(envVar, "New password: ")
	if err != nil {
		return "", err
	}
	second, err := readPassword(envVar, "Repeat new password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}

func printBatch(verb string, res *nas.BatchResult) {
	if res == nil {
		return
	}
	for _, f := range res.Failed {
		fmt.Fprintf(os.Stderr, "failed: %s: %v\n", f.Name, f.Err)
	}
	fmt.Printf("%s %d item(s)", verb, len(res.Succeeded))
	if res.Snapshot != nil {
		fmt.Printf(", snapshot %s", res.Snapshot.Label)
	}
	fmt.Println()
}

var rootCmd = &cobra.Command{
	Use:   "nas",
	Short: "Versioned multi-user file store",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
			cfg.Archive.Type = engine
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", defaults["base_dir"])
		fmt.Printf("Store Root: %s\n", cfg.StoreRoot)
		fmt.Printf("Engine:     %s\n", cfg.Archive.Type)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Data Dir:   %s\n", cfg.DataDir)
		fmt.Printf("Store Root: %s\n", cfg.StoreRoot)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Database:   %s\n", cfg.Database.Type)
		fmt.Printf("Engine:     %s\n", cfg.Archive.Type)
		if cfg.Archive.Type == "native" {
			fmt.Printf("Vault:      %s\n", cfg.Archive.Vault.Type)
			fmt.Printf("Encryption: %s\n", cfg.Archive.Encryption)
		}
		fmt.Printf("Cascade Rename: %t\n", cfg.Catalog.CascadeRename)
		fmt.Printf("Quota Precheck: %t\n", cfg.Catalog.QuotaPrecheck)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the user directory database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

// admin command
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative tasks",
}

var adminInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the administrator account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Bootstrap")
		if err != nil {
			return err
		}
		defer a.Close()

		password := os.Getenv("NAS_ADMIN_PASSWORD")
		if password == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
			password = nas.AdminUsername
			fmt.Fprintln(os.Stderr, "NAS_ADMIN_PASSWORD not set, using the default password; change it with 'nas user passwd'")
		}
		if password == "" {
			if password, err = readNewPassword("NAS_ADMIN_PASSWORD"); err != nil {
				return err
			}
		}
		p, err := a.Bootstrap(cmd.Context(), password)
		if err != nil {
			return fmt.Errorf("creating administrator: %w", err)
		}
		fmt.Printf("Administrator %q ready (store %s)\n", p.Username, p.StorePath)
		return nil
	},
}

var adminBackupDBCmd = &cobra.Command{
	Use:   "backup-db DEST",
	Short: "Write a consistent copy of the user directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "BackupDirectory")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupDirectory(args[0]); err != nil {
			return err
		}
		fmt.Printf("User directory written to %s\n", args[0])
		return nil
	},
}

// user command
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create USERNAME",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quota, _ := cmd.Flags().GetString("quota")
		groups, _ := cmd.Flags().GetStringSlice("group")
		admin, _ := cmd.Flags().GetBool("admin")
		hidden, _ := cmd.Flags().GetBool("hidden")

		a, err := newSession(cmd, "CreateUser")
		if err != nil {
			return err
		}
		defer a.Close()

		password, err := readNewPassword("NAS_NEW_PASSWORD")
		if err != nil {
			return err
		}
		p, err := a.CreateUser(cmd.Context(), app.UserInput{
			Username: args[0],
			Password: password,
			Quota:    quota,
			Groups:   groups,
			Admin:    admin,
			Hidden:   hidden,
		})
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		fmt.Printf("Created %s (groups %s)\n", p.Username, strings.Join(p.Groups, ","))
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "ListUsers")
		if err != nil {
			return err
		}
		defer a.Close()

		users, err := a.ListUsers()
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No other users.")
			return nil
		}
		for _, p := range users {
			state := "enabled"
			if !p.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-20s  %-8s  %-10s  %6d files  %s  [%s]\n",
				p.Username,
				state,
				app.FormatQuota(p.Quota),
				p.NumFiles,
				strings.Join(p.Groups, ","),
				strings.Join(p.Flags.Names(), ","),
			)
		}
		return nil
	},
}

func setEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " USERNAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newSession(cmd, "SetEnabled")
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.SetUserEnabled(args[0], enabled); err != nil {
				return err
			}
			fmt.Printf("%s %sd\n", args[0], use)
			return nil
		},
	}
}

var userSetCmd = &cobra.Command{
	Use:   "set USERNAME",
	Short: "Change the admin and hidden flags of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var admin, hidden *bool
		for name, dst := range map[string]**bool{"admin": &admin, "hidden": &hidden} {
			if !cmd.Flags().Changed(name) {
				continue
			}
			v, err := cmd.Flags().GetBool(name)
			if err != nil {
				return err
			}
			*dst = &v
		}
		if admin == nil && hidden == nil {
			return fmt.Errorf("nothing to change, pass --admin or --hidden")
		}

		a, err := newSession(cmd, "SetFlags")
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.SetUserFlags(args[0], admin, hidden)
		if err != nil {
			return err
		}
		fmt.Printf("%s flags: [%s]\n", p.Username, strings.Join(p.Flags.Names(), ","))
		return nil
	},
}

var userGroupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage group membership",
}

var userGroupAddCmd = &cobra.Command{
	Use:   "add USERNAME GROUP",
	Short: "Add a user to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "AddGroup")
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.AddUserGroup(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s groups: %s\n", p.Username, strings.Join(p.Groups, ","))
		return nil
	},
}

var userGroupRemoveCmd = &cobra.Command{
	Use:   "remove USERNAME GROUP",
	Short: "Remove a user from a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "RemoveGroup")
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.RemoveUserGroup(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s groups: %s\n", p.Username, strings.Join(p.Groups, ","))
		return nil
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd [USERNAME]",
	Short: "Change a password",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "ChangePassword")
		if err != nil {
			return err
		}
		defer a.Close()

		target := a.Actor().Username
		if len(args) > 0 {
			target = args[0]
		}
		current := ""
		if target == a.Actor().Username {
			// The login password doubles as the current password.
			if current, err = readPassword("NAS_PASSWORD", "Current password: "); err != nil {
				return err
			}
		}
		next, err := readNewPassword("NAS_NEW_PASSWORD")
		if err != nil {
			return err
		}
		if err := a.ChangePassword(target, current, next); err != nil {
			return err
		}
		fmt.Printf("Password changed for %s\n", target)
		return nil
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete USERNAME",
	Short: "Delete a user and all of its files and snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "DeleteUser")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteUser(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List a folder",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "List")
		if err != nil {
			return err
		}
		defer a.Close()

		target := "/"
		if len(args) > 0 {
			target = args[0]
		}
		entries, err := a.List(cmd.Context(), ownerFlag(cmd), target)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Empty.")
			return nil
		}
		for _, e := range entries {
			kind, mode, group, created := "-", e.Permissions.Symbolic(), e.Group, e.CreatedAt.Format("2006-01-02 15:04")
			name := e.Name
			if e.IsDirectory {
				kind, name = "d", name+"/"
			}
			if e.Implied {
				mode, group, created = "---------", "-", "-"
			}
			fmt.Printf("%s%s  %-10s  %9s  %-16s  %s\n", kind, mode, group, humanize.IBytes(uint64(e.Size)), created, name)
		}
		return nil
	},
}

// put command
var putCmd = &cobra.Command{
	Use:   "put LOCAL_PATH [DIR]",
	Short: "Upload a file or folder",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")
		mode, _ := cmd.Flags().GetString("mode")
		group, _ := cmd.Flags().GetString("group")

		a, err := newSession(cmd, "Upload")
		if err != nil {
			return err
		}
		defer a.Close()

		dir := "/"
		if len(args) > 1 {
			dir = args[1]
		}
		res, err := a.Put(cmd.Context(), ownerFlag(cmd), args[0], dir, app.PutOptions{
			Recursive: recursive,
			Mode:      mode,
			Group:     group,
		})
		printBatch("Uploaded", res)
		return err
	},
}

// get command
var getCmd = &cobra.Command{
	Use:   "get PATH [DEST]",
	Short: "Download a file (to stdout when DEST is omitted or -)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "Download")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) < 2 || args[1] == "-" {
			_, err := a.Get(cmd.Context(), ownerFlag(cmd), args[0], os.Stdout)
			return err
		}
		f, err := os.Create(args[1])
		if err != nil {
			return fmt.Errorf("creating %s: %w", args[1], err)
		}
		n, err := a.Get(cmd.Context(), ownerFlag(cmd), args[0], f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(args[1])
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %s to %s\n", humanize.IBytes(uint64(n)), args[1])
		return nil
	},
}

// rm command
var rmCmd = &cobra.Command{
	Use:   "rm PATH...",
	Short: "Delete files or folders",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "Delete")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Remove(cmd.Context(), ownerFlag(cmd), args)
		printBatch("Deleted", res)
		return err
	},
}

// mv command
var mvCmd = &cobra.Command{
	Use:   "mv FROM TO",
	Short: "Rename or move a file or folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "Rename")
		if err != nil {
			return err
		}
		defer a.Close()

		rec, snap, err := a.Move(cmd.Context(), ownerFlag(cmd), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Moved to %s", rec.FullPath())
		if snap != nil {
			fmt.Printf(", snapshot %s", snap.Label)
		}
		fmt.Println()
		return nil
	},
}

// mkdir command
var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")

		a, err := newSession(cmd, "CreateFolder")
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.Mkdir(cmd.Context(), ownerFlag(cmd), args[0], mode)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s (%s)\n", rec.FullPath(), rec.Permissions.Symbolic())
		return nil
	},
}

// chmod command
var chmodCmd = &cobra.Command{
	Use:   "chmod MODE PATH",
	Short: "Change permissions, e.g. chmod 750 /docs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "SetPermissions")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Chmod(cmd.Context(), ownerFlag(cmd), args[1], args[0])
	},
}

// chgrp command
var chgrpCmd = &cobra.Command{
	Use:   "chgrp GROUP PATH",
	Short: "Change the group of a file or folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "SetGroup")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Chgrp(cmd.Context(), ownerFlag(cmd), args[1], args[0])
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and restore snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "ListSnapshots")
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.Snapshots(cmd.Context(), ownerFlag(cmd))
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  %s  (%s)\n", s.Label, s.ID, humanize.Time(s.CreatedAt))
		}
		return nil
	},
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff REF",
	Short: "Compare a snapshot with the current files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "Diff")
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.Diff(cmd.Context(), ownerFlag(cmd), args[0])
		if err != nil {
			return err
		}
		if d.Empty() {
			fmt.Printf("No changes since %s\n", d.Label)
			return nil
		}
		for _, e := range d.Entries {
			sign := map[nas.ChangeKind]string{nas.ChangeAdded: "+", nas.ChangeRemoved: "-", nas.ChangeModified: "~"}[e.Kind]
			name := e.Path.String()
			if e.IsDirectory {
				name += "/"
			}
			fmt.Printf("%s %s\n", sign, name)
			if e.Unified != "" {
				fmt.Print(e.Unified)
			}
		}
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore REF",
	Short: "Roll all files back to a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		snap, rec, err := a.Restore(cmd.Context(), ownerFlag(cmd), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s\n", snap.Label)
		if rec != nil && rec.Changed() {
			fmt.Printf("Catalog repaired: %d added, %d removed, %d resized\n", rec.Added, rec.Removed, rec.Resized)
		}
		return nil
	},
}

var snapshotMountCmd = &cobra.Command{
	Use:   "mount REF",
	Short: "Expose a snapshot read-only",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "Mount")
		if err != nil {
			return err
		}
		defer a.Close()

		mountpoint, err := a.Mount(cmd.Context(), ownerFlag(cmd), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Mounted %s at %s\n", args[0], mountpoint)
		return nil
	},
}

var snapshotUmountCmd = &cobra.Command{
	Use:   "umount",
	Short: "Remove the snapshot mount",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "Unmount")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Unmount(cmd.Context(), ownerFlag(cmd))
	},
}

var snapshotStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show repository state and usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "State")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.State(cmd.Context(), ownerFlag(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("Owner: %s\n", st.Owner)
		fmt.Printf("State: %s\n", st.State)
		fmt.Printf("Files: %d\n", st.NumFiles)
		quota := app.FormatQuota(st.Quota)
		if st.UsageKnown {
			fmt.Printf("Usage: %s of %s\n", nas.FormatSize(st.Used), quota)
		} else {
			fmt.Printf("Quota: %s\n", quota)
		}
		return nil
	},
}

// reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair the catalog against the files on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newSession(cmd, "Reconcile")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Reconcile(cmd.Context(), ownerFlag(cmd))
		if err != nil {
			return err
		}
		if !res.Changed() {
			fmt.Println("Catalog is consistent.")
			return nil
		}
		fmt.Printf("%d added, %d removed, %d resized\n", res.Added, res.Removed, res.Resized)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newSession(cmd, "History")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %-12s  %s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.Principal,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("user", "u", "", "Acting user (default $NAS_USER or the OS user)")
	rootCmd.PersistentFlags().StringP("owner", "o", "", "Owner of the store to operate on (default the acting user)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("engine", "", "Archive engine: borg or native")
	configCmd.AddCommand(configListCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)

	// admin subcommands
	adminCmd.AddCommand(adminInitCmd)
	adminCmd.AddCommand(adminBackupDBCmd)

	// user subcommands
	userCmd.AddCommand(userCreateCmd)
	userCreateCmd.Flags().String("quota", "", "Repository quota, e.g. 10G (default unlimited)")
	userCreateCmd.Flags().StringSlice("group", nil, "Extra group (repeatable)")
	userCreateCmd.Flags().Bool("admin", false, "Grant administrator rights")
	userCreateCmd.Flags().Bool("hidden", false, "Hide from non-admin user lists")
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(setEnabledCmd("disable", "Disable a user", false))
	userCmd.AddCommand(setEnabledCmd("enable", "Re-enable a user", true))
	userCmd.AddCommand(userSetCmd)
	userSetCmd.Flags().Bool("admin", false, "Grant (--admin) or revoke (--admin=false) administrator rights")
	userSetCmd.Flags().Bool("hidden", false, "Hide from (--hidden) or show in (--hidden=false) non-admin user lists")
	userCmd.AddCommand(userGroupCmd)
	userGroupCmd.AddCommand(userGroupAddCmd)
	userGroupCmd.AddCommand(userGroupRemoveCmd)
	userCmd.AddCommand(userPasswdCmd)
	userCmd.AddCommand(userDeleteCmd)

	// snapshot subcommands
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotDiffCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotMountCmd)
	snapshotCmd.AddCommand(snapshotUmountCmd)
	snapshotCmd.AddCommand(snapshotStateCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().BoolP("recursive", "r", false, "Recurse into subdirectories")
	putCmd.Flags().StringP("mode", "m", "", "Permission digits for new files (default 740)")
	putCmd.Flags().StringP("group", "g", "", "Group for new files (default your own)")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(mkdirCmd)
	mkdirCmd.Flags().StringP("mode", "m", "", "Permission digits (default 740)")
	rootCmd.AddCommand(chmodCmd)
	rootCmd.AddCommand(chgrpCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
