package portal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/tabs"
)

// checkStatus runs the check step and estimates the number of assets listed
// from the pagination the script reports. With rows (the row count of the
// last page) the estimate is exact, otherwise every page counts as full. An
// item whose payload carries expected_assets fails when the estimate falls
// short of it.
func checkStatus(ctx context.Context, s *step, page tabs.Page, item model.WorkItem, pageSize int) (model.ItemOutcome, error) {
	res, err := s.run(ctx, page, item)
	if err != nil {
		return model.ItemOutcome{}, err
	}
	o := res.outcome()

	pages, ok := number(res.Fields[FieldPages])
	if !ok {
		return o, nil
	}
	estimate := pages * pageSize
	if rows, ok := number(res.Fields[FieldRows]); ok && pages > 0 {
		estimate = (pages-1)*pageSize + min(rows, pageSize)
	}
	o.Fields[FieldAssets] = strconv.Itoa(estimate)

	expected, ok := number(item.Payload[FieldExpected])
	if ok && o.Succeeded() && estimate < expected {
		o.Status = model.StatusFailed
		o.Error = fmt.Sprintf("incomplete: estimated %d of %d assets", estimate, expected)
	}
	return o, nil
}

// grabIDs collects ids either from the script result or, without one, from
// the text of every element matching the wait selector.
func grabIDs(ctx context.Context, s *step, page tabs.Page, item model.WorkItem) (model.ItemOutcome, error) {
	res, err := s.run(ctx, page, item)
	if err != nil {
		return model.ItemOutcome{}, err
	}
	o := res.outcome()
	if o.Fields == nil {
		o.Fields = map[string]string{}
	}

	var ids []string
	if raw, ok := o.Fields[FieldIDs]; ok {
		if raw != "" {
			ids = strings.Split(raw, ",")
		}
	} else if s.Wait != "" {
		elements, err := page.FindAll(ctx, s.Wait)
		if err != nil {
			return o, fmt.Errorf("listing %q: %w", s.Wait, err)
		}
		for _, el := range elements {
			text, err := el.Text(ctx)
			if err != nil {
				return o, fmt.Errorf("reading id: %w", err)
			}
			if text = strings.TrimSpace(text); text != "" {
				ids = append(ids, text)
			}
		}
	}
	o.Fields[FieldIDs] = strings.Join(ids, ",")
	o.Fields[FieldCount] = strconv.Itoa(len(ids))
	return o, nil
}

func number(v any) (int, bool) {
	switch v := v.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}
