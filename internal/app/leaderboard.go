package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Leaderboard prints the top users ranked by points.
func (a *App) Leaderboard(ctx context.Context, limit int) error {
	svc, _, closeStore, err := a.newService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	profiles, err := svc.Leaderboard(ctx, limit)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Fprintln(a.Out, "no users found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tUser\tName\tPoints\tAccuracy%\tResolved\tActive")

	for i, p := range profiles {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%d\t%d\n",
			i+1,
			p.Username,
			sanitizeInline(p.DisplayName),
			formatPoints(p.Points),
			formatAccuracy(p.Accuracy),
			p.TotalResolved,
			len(p.ActivePositions),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
