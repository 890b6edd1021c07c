package service

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ParseCron validates a cron expression with 5 fields, 6 fields (leading
// seconds) or a descriptor like @hourly or @every 5m. withSeconds reports
// the 6 field form, which gocron needs to know about.
func ParseCron(expr string) (withSeconds bool, err error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return false, fmt.Errorf("empty cron expression")
	}

	// Macros / @every handled by ParseStandard
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return false, err
	}

	switch n := len(strings.Fields(e)); n {
	case 5:
		_, err = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(e)
		return false, err
	case 6:
		_, err = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(e)
		return err == nil, err
	default:
		return false, fmt.Errorf("invalid field count: got %d (want 5 or 6)", n)
	}
}
