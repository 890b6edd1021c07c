package service_test

import (
	"errors"
	"testing"

	"github.com/valuation-tools/tabctl/internal/service"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	type then struct {
		seconds bool
		err     error
	}
	cases := []struct {
		scenario string
		given    string
		then     then
	}{
		{"valid_5_fields", "*/15 * * * *", then{false, nil}},
		{"valid_6_fields", "0 */2 * * * *", then{true, nil}},
		{"macro_hourly", "@hourly", then{false, nil}},
		{"macro_every", "@every 5m", then{false, nil}},
		{"invalid_field_count_4", "* * * *", then{false, errors.New("invalid field count: got 4 (want 5 or 6)")}},
		{"invalid_field_count_7", "* * * * * * *", then{false, errors.New("invalid field count: got 7 (want 5 or 6)")}},
		{"invalid_token_6_fields", "70 * * * * *", then{false, errors.New("end of range (70) above maximum (59): 70")}},
		{"invalid_token_5_fields", "* * 32 * *", then{false, errors.New("end of range (32) above maximum (31): 32")}},
		{"empty", "", then{false, errors.New("empty cron expression")}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			seconds, err := service.ParseCron(tc.given)
			if tc.then.err != nil {
				require.EqualError(t, err, tc.then.err.Error())
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.then.seconds, seconds)
		})
	}
}
