package detector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"restosync/internal/changelog"
	"restosync/internal/directory"
)

// collapse trims and squeezes internal whitespace runs to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalize puts a raw value into the canonical string form used for both
// comparison and storage.
func normalize(kind directory.Kind, raw string) (string, error) {
	switch kind {
	case directory.KindList:
		seen := map[string]bool{}
		items := []string{}
		for _, part := range strings.Split(raw, ",") {
			item := strings.ToLower(collapse(part))
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			items = append(items, item)
		}
		sort.Strings(items)
		return strings.Join(items, ","), nil
	case directory.KindBool:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			return "", fmt.Errorf("not a boolean: %q", raw)
		}
		return strconv.FormatBool(b), nil
	case directory.KindNumber:
		v := strings.TrimSpace(raw)
		if v == "" {
			return "", nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", fmt.Errorf("not a number: %q", raw)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return collapse(raw), nil
}

// classify is informational only; it never gates disposition by itself.
func classify(field, oldValue, newValue string) changelog.ChangeType {
	switch field {
	case directory.FieldClosed:
		if oldValue != "true" && newValue == "true" {
			return changelog.ChangeTypeClosure
		}
	case directory.FieldOpeningHours:
		return changelog.ChangeTypeHoursChange
	case directory.FieldPromotions:
		return changelog.ChangeTypeNewPromotion
	}
	return changelog.ChangeTypeOther
}

func decide(ct changelog.ChangeType, confidence float64) changelog.Disposition {
	if ct == changelog.ChangeTypeClosure {
		return changelog.DispositionQueuedForReview
	}
	if confidence >= AutoApplyThreshold {
		return changelog.DispositionAutoApplied
	}
	return changelog.DispositionQueuedForReview
}
