package extract

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// CartItem 关联购物车页面中的一行商品
type CartItem struct {
	ASIN     string
	SellerID string
	ItemID   string
	Quantity int
	Price    int
	Found    bool
}

// CartItems 按 (asin, seller) 顺序在购物车页面中查找商品行
func CartItems(markup string, asins, sellers []string) ([]CartItem, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, err
	}
	out := make([]CartItem, len(asins))
	for i, asin := range asins {
		seller := ""
		if i < len(sellers) {
			seller = sellers[i]
		}
		out[i] = CartItem{ASIN: asin, SellerID: seller}
		doc.Find("div[data-asin]").EachWithBreak(func(_ int, row *goquery.Selection) bool {
			if !strings.EqualFold(row.AttrOr("data-asin", ""), asin) {
				return true
			}
			price, okP := row.Attr("data-price")
			qty, okQ := row.Attr("data-quantity")
			itemID, okI := row.Attr("data-itemid")
			if !okP || !okQ || !okI {
				return true
			}
			html, err := goquery.OuterHtml(row)
			if err != nil || !strings.Contains(strings.ToLower(html), "smid="+strings.ToLower(seller)) {
				return true
			}
			n, err := strconv.Atoi(strings.TrimSpace(qty))
			if err != nil {
				return true
			}
			p, _ := ParsePrice(price)
			out[i].ItemID = itemID
			out[i].Quantity = n
			out[i].Price = p
			out[i].Found = true
			return false
		})
	}
	return out, nil
}

// ParsePrice 将小数价格转为以分计的整数，"12.5" 为 1250
func ParsePrice(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	decimals := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		decimals = len(s) - i - 1
		s = s[:i] + s[i+1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	for ; decimals < 2; decimals++ {
		n *= 10
	}
	for ; decimals > 2; decimals-- {
		n /= 10
	}
	return n, true
}
