package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/gosuda/dialog/store"
	"github.com/gosuda/dialog/sublog"
)

var (
	flagEpisode    string
	flagOrder      string
	flagTimestamps bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the stored subtitle log of an episode",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, release, err := openData(cfg)
		if err != nil {
			return err
		}
		defer release()
		return printLog(cmd.OutOrStdout(), st, flagEpisode, flagOrder, flagTimestamps)
	},
}

var episodesCmd = &cobra.Command{
	Use:   "episodes",
	Short: "List episodes with a stored subtitle log",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, release, err := openData(cfg)
		if err != nil {
			return err
		}
		defer release()
		return printEpisodes(cmd.OutOrStdout(), st)
	},
}

func init() {
	flags := logCmd.Flags()
	flags.StringVar(&flagEpisode, "episode", "", "episode id (default: the current episode)")
	flags.StringVar(&flagOrder, "order", "", "oldest or newest (default: the display preference)")
	flags.BoolVar(&flagTimestamps, "timestamps", false, "include the time column")
	rootCmd.AddCommand(logCmd, episodesCmd)
}

func printLog(w io.Writer, st store.Store, episode, orderName string, timestamps bool) error {
	if episode == "" {
		cur, ok, err := st.Get(store.CurrentContextKey)
		if err != nil {
			return fmt.Errorf("read current episode: %w", err)
		}
		if !ok {
			return errors.New("no current episode; pass --episode")
		}
		episode = string(cur)
	}

	p, err := loadPrefs(st)
	if err != nil {
		return err
	}
	order := p.order()
	if orderName != "" {
		o, ok := sublog.ParseOrder(orderName)
		if !ok {
			return fmt.Errorf("unknown order %q", orderName)
		}
		order = o
	}

	data, ok, err := st.Get(store.LogKey(episode))
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	if !ok {
		_, err := fmt.Fprintf(w, "No subtitles stored for %s.\n", episode)
		return err
	}
	entries, err := sublog.DecodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("decode log of %s: %w", episode, err)
	}
	entries = sublog.Sorted(entries, order)

	_, err = fmt.Fprintln(w, logTable(entries, timestamps))
	return err
}

func printEpisodes(w io.Writer, st store.Store) error {
	ids, err := store.Episodes(st)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		_, err := fmt.Fprintln(w, "No stored episodes.")
		return err
	}
	cur, _, err := st.Get(store.CurrentContextKey)
	if err != nil {
		return fmt.Errorf("read current episode: %w", err)
	}

	rows := lo.Map(ids, func(id string, _ int) episodeRow {
		row := episodeRow{ID: id, Lines: -1, Current: id == string(cur)}
		if data, ok, err := st.Get(store.LogKey(id)); err == nil && ok {
			if entries, err := sublog.DecodeSnapshot(data); err == nil {
				row.Lines = len(entries)
			}
		}
		return row
	})
	_, err = fmt.Fprintln(w, episodeTable(rows))
	return err
}
