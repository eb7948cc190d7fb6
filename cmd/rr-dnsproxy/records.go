package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/utils"
	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
	"github.com/haukened/rr-dnsproxy/internal/dns/repos/recordfile"
	"github.com/haukened/rr-dnsproxy/internal/dns/repos/records/bolt"
)

// newRecordsCmd builds the "records" command tree operating on the
// records database named by --db or DNS_RECORDS_DB.
func newRecordsCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Manage the persistent records database",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = os.Getenv("DNS_RECORDS_DB")
			}
			if dbPath == "" {
				return errors.New("please supply the records database using --db or DNS_RECORDS_DB")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the records database")

	withDB := func(fn func(cmd *cobra.Command, db *bolt.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			db, err := bolt.New(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd, db, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored records",
		Args:  cobra.NoArgs,
		RunE: withDB(func(cmd *cobra.Command, db *bolt.Store, _ []string) error {
			recs, err := db.All()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATTERN\tADDRESS")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\n", r.Pattern, r.Address)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			st := db.Stats()
			if st.UpdatedUnix > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d records, updated %s\n",
					st.Records, time.Unix(st.UpdatedUnix, 0).UTC().Format(time.RFC3339))
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <pattern> <ipv4>",
		Short: "Add or replace a record",
		Args:  cobra.ExactArgs(2),
		RunE: withDB(func(cmd *cobra.Command, db *bolt.Store, args []string) error {
			rec, err := domain.ParseDomainRecord(args[0], args[1])
			if err != nil {
				return err
			}
			warnPublicSuffix(cmd, rec)
			if err := db.Put(rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", rec.Pattern, rec.Address)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <pattern>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(func(cmd *cobra.Command, db *bolt.Store, args []string) error {
			return db.Delete(utils.CanonicalDNSName(args[0]))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <path>",
		Short: "Import records from a YAML, JSON or TOML file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(func(cmd *cobra.Command, db *bolt.Store, args []string) error {
			recs, err := recordfile.LoadPath(args[0])
			if err != nil {
				return err
			}
			for _, rec := range recs {
				warnPublicSuffix(cmd, rec)
			}
			if err := db.PutAll(recs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records\n", len(recs))
			return nil
		}),
	})

	return cmd
}

func warnPublicSuffix(cmd *cobra.Command, rec domain.DomainRecord) {
	if rec.IsWildcard() && utils.IsPublicSuffix(rec.Suffix()) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s covers the public suffix %s\n", rec.Pattern, rec.Suffix())
	}
}
