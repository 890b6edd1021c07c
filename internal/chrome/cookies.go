package chrome

import (
	"context"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/valuation-tools/tabctl/internal/tabs"
)

// Cookies exports every cookie of the browser, across all domains.
func (b *Browser) Cookies(ctx context.Context) ([]tabs.Cookie, error) {
	var cookies []*network.Cookie
	err := b.main.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return fromNetwork(cookies), nil
}

func (b *Browser) SetCookies(ctx context.Context, cookies []tabs.Cookie) error {
	params := toNetwork(cookies)
	return b.main.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
}

func fromNetwork(cookies []*network.Cookie) []tabs.Cookie {
	ret := make([]tabs.Cookie, 0, len(cookies))
	for _, c := range cookies {
		tc := tabs.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite.String(),
		}
		// devtools reports -1 for session cookies
		if !c.Session && c.Expires > 0 {
			tc.Expires = c.Expires
		}
		ret = append(ret, tc)
	}
	return ret
}

func toNetwork(cookies []tabs.Cookie) []*network.CookieParam {
	ret := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			p.Expires = &expires
		}
		ret = append(ret, p)
	}
	return ret
}
