package cdp

import (
	"context"
	"fmt"

	"github.com/mafredri/cdp/protocol/network"

	conv "stockprobe/internal/adapter/cdp"
	"stockprobe/pkg/model"
)

// Jar 浏览器 Cookie 存储，实现 hostjar.Jar
type Jar struct {
	browser *Browser
}

func (j *Jar) GetAll(ctx context.Context, rawURL string) ([]model.Cookie, error) {
	client, _, err := j.browser.session()
	if err != nil {
		return nil, err
	}
	reply, err := client.Network.GetCookies(ctx, network.NewGetCookiesArgs().SetURLs([]string{rawURL}))
	if err != nil {
		return nil, fmt.Errorf("get cookies %s: %w", rawURL, err)
	}
	out := make([]model.Cookie, 0, len(reply.Cookies))
	for _, c := range reply.Cookies {
		out = append(out, conv.ToModelCookie(c))
	}
	return out, nil
}

func (j *Jar) Set(ctx context.Context, rawURL string, c model.Cookie) error {
	if c.IsDeletion() {
		return j.Remove(ctx, rawURL, c.Name)
	}
	client, _, err := j.browser.session()
	if err != nil {
		return err
	}
	if _, err := client.Network.SetCookie(ctx, conv.ToSetCookieArgs(rawURL, c)); err != nil {
		return fmt.Errorf("set cookie %s: %w", c.Name, err)
	}
	return nil
}

func (j *Jar) Remove(ctx context.Context, rawURL, name string) error {
	client, _, err := j.browser.session()
	if err != nil {
		return err
	}
	if err := client.Network.DeleteCookies(ctx, network.NewDeleteCookiesArgs(name).SetURL(rawURL)); err != nil {
		return fmt.Errorf("delete cookie %s: %w", name, err)
	}
	return nil
}
