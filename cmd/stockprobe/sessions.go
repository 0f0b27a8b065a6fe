package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stockprobe/internal/config"
	"stockprobe/internal/logger"
	"stockprobe/internal/session"
	"stockprobe/internal/storage"
	"stockprobe/pkg/model"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "管理持久化的访客会话",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出访客会话",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(cmd, func(m *session.Manager) error {
			list := m.List()
			if len(list) == 0 {
				fmt.Println("没有访客会话")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOMAIN\tSESSION\tCREATED\tFRESH\tCOOKIES\tCSRF")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%t\n",
					s.Code, s.SessionID, s.CreatedAt.Format(time.DateTime), s.Fresh, s.Cookies, s.HasCSRF)
			}
			return tw.Flush()
		})
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <domain>...",
	Short: "删除站点访客会话",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domains := make([]model.Domain, 0, len(args))
		for _, a := range args {
			d, err := model.ParseDomain(a)
			if err != nil {
				return err
			}
			domains = append(domains, d)
		}
		return withSessions(cmd, func(m *session.Manager) error {
			for _, d := range domains {
				if err := m.Purge(cmd.Context(), d); err != nil {
					return fmt.Errorf("clear %s: %w", d, err)
				}
				fmt.Printf("已删除 %s\n", d)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
}

// withSessions 只打开存储与会话管理器，不连接浏览器
func withSessions(cmd *cobra.Command, fn func(m *session.Manager) error) error {
	cfg, l, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			l.Err(cerr, "关闭存储失败")
		}
	}()
	m := newSessions(cfg, store, l)
	if err := m.Load(cmd.Context()); err != nil {
		return err
	}
	return fn(m)
}

func newSessions(cfg *config.Config, store storage.Store, l logger.Logger) *session.Manager {
	return session.NewManager(store, session.Options{
		FreshFor:    cfg.Stock.FreshFor,
		SchemaEpoch: cfg.Stock.SchemaEpoch(),
		CSRFTTL:     cfg.Stock.CSRFTTL,
	}, l)
}
