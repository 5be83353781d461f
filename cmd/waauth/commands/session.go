package commands

import (
	"context"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/talkincode/waauth/internal/authstate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and delete persisted auth state",
	}
	cmd.AddCommand(sessionListCmd(), sessionInspectCmd(), sessionDeleteCmd())
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp()
			if err != nil {
				return err
			}
			defer a.Release()
			ids, err := persistedSessions(cmd.Context(), a.AuthManager().Store())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func sessionInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Print registration state and key counts of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp()
			if err != nil {
				return err
			}
			defer a.Release()

			ctx := commandContext(cmd)
			mgr := a.AuthManager()
			ids, err := persistedSessions(ctx, mgr.Store())
			if err != nil {
				return err
			}
			// opening an unknown id would create it
			if i := sort.SearchStrings(ids, args[0]); i == len(ids) || ids[i] != args[0] {
				return errors.Errorf("no auth state for session %q", args[0])
			}
			sess, err := mgr.Open(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(sess.Info(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete everything persisted for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp()
			if err != nil {
				return err
			}
			defer a.Release()
			if err := a.AuthManager().Remove(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s deleted\n", args[0])
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func persistedSessions(ctx context.Context, store authstate.CredentialStore) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	lister, ok := store.(authstate.SessionLister)
	if !ok {
		return nil, errors.New("store cannot list sessions")
	}
	ids, err := lister.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
