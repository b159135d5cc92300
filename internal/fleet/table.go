package fleet

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/olekukonko/tablewriter"

	"sonm-fleet/pkg/types"
)

// RenderTable renders the fleet snapshot as the grid table the printer
// logs every minute.
func RenderTable(snaps []types.NodeSnapshot) string {
	var buf strings.Builder
	table := tablewriter.NewWriter(&buf)
	table.Header("Node", "Order id", "Order price", "Deal id", "Task id", "Task uptime", "Node status")
	for _, snap := range snaps {
		uptime := ""
		if snap.TaskUptime > 0 {
			uptime = strconv.FormatInt(snap.TaskUptime, 10) + "s"
		}
		table.Append([]string{
			snap.Tag,
			snap.OrderID,
			snap.Price,
			snap.DealID,
			snap.TaskID,
			uptime,
			snap.Status,
		})
	}
	table.Render()
	return buf.String()
}

func sortSnapshots(snaps []types.NodeSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return naturalLess(snaps[i].Tag, snaps[j].Tag)
	})
}

// naturalLess compares tags with embedded numbers by value, so demo_2
// sorts before demo_10.
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		aTok, aRest, aNum := nextToken(a)
		bTok, bRest, bNum := nextToken(b)
		if aNum && bNum {
			av, _ := strconv.Atoi(aTok)
			bv, _ := strconv.Atoi(bTok)
			if av != bv {
				return av < bv
			}
		} else if aTok != bTok {
			return aTok < bTok
		}
		a, b = aRest, bRest
	}
	return a == "" && b != ""
}

// nextToken splits off the leading run of digits or non-digits.
func nextToken(s string) (tok, rest string, numeric bool) {
	numeric = unicode.IsDigit(rune(s[0]))
	for i, r := range s {
		if unicode.IsDigit(r) != numeric {
			return s[:i], s[i:], numeric
		}
	}
	return s, "", numeric
}
