package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gentoomaniac/fsguard/pkg/quarantine"
	"github.com/manifoldco/promptui"
)

var ErrNothingToSelect = errors.New("no quarantined files")

// PromptEntry lets the user pick one of entries. A single entry is returned
// without prompting.
func PromptEntry(label string, entries []quarantine.Entry) (*quarantine.Entry, error) {
	if len(entries) == 0 {
		return nil, ErrNothingToSelect
	}
	if len(entries) == 1 {
		return &entries[0], nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.Compare(entries[i].OriginalPath, entries[j].OriginalPath) < 0
	})

	searcher := func(input string, idx int) bool {
		return strings.Contains(strings.ToLower(entries[idx].OriginalPath), strings.ToLower(input))
	}

	size := len(entries)
	if size >= 10 {
		size = 10
	}

	selector := promptui.Select{
		Label:             label,
		Items:             entries,
		Searcher:          searcher,
		StartInSearchMode: true,
		HideSelected:      true,
		Size:              size,
		Templates: &promptui.SelectTemplates{
			Active:   fmt.Sprintf("%s {{ .OriginalPath | cyan }}", promptui.IconSelect),
			Inactive: " {{ .OriginalPath }}",
			Details: `
{{ "Details:" | bold }}
	{{ "ID:" | bold }}	{{ .ID | cyan }}
	{{ "Incident:" | bold }}	{{ .IncidentID | cyan }}
	{{ "Size:" | bold }}	{{ .Size | cyan }}
	{{ "Quarantined:" | bold }}	{{ .Created | cyan }}
`,
			Selected: "{{ .OriginalPath }}",
		},
	}

	// keep stdout clean for the command output
	selector.Stdout = os.Stderr

	index, _, err := selector.Run()
	if err != nil {
		os.Stdout.Sync()
		return nil, err
	}

	return &entries[index], nil
}
