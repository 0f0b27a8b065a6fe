package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stockprobe/pkg/api"
	"stockprobe/pkg/model"
)

var queryCmd = &cobra.Command{
	Use:   "query <domain> <asin> <sellerId> <offerId>",
	Short: "执行一次库存查询并输出结果",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := model.ParseDomain(args[0])
		if err != nil {
			return err
		}
		cfg, l, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		maxQty, _ := cmd.Flags().GetInt("max-qty")
		force, _ := cmd.Flags().GetBool("force")

		ctx := cmd.Context()
		svc, err := api.NewService(ctx, cfg, l)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := svc.Close(context.WithoutCancel(ctx)); cerr != nil {
				l.Err(cerr, "服务资源释放失败")
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, cfg.Stock.Timeouts.Max)
		defer cancel()
		res := svc.RequestStock(ctx, model.StockRequest{
			ASIN:         args[1],
			SellerID:     args[2],
			OfferID:      args[3],
			Domain:       d,
			MaxQty:       maxQty,
			ForceRefresh: force,
		})

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if res.Failed() {
			return fmt.Errorf("stock query failed: code %d", res.ErrorCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().Int("max-qty", 999, "请求数量上限")
	queryCmd.Flags().Bool("force", false, "强制刷新访客会话")
}
