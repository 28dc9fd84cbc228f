package webexport

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"itchgrab/services/salecache"
)

// Snapshot is the machine-readable export format. It doubles as the
// import format for refresh-from-remote-cache on another instance.
type Snapshot struct {
	Frontier    int64                      `json:"frontier"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Entries     []salecache.PromotionEntry `json:"entries"`
}

// Generate renders the cache into a static site under outDir: a browsable
// index.html, json snapshots of the active and upcoming promotions under
// api/, and the scan frontier under data/ for instances that only want
// the resume point.
func Generate(entries []salecache.PromotionEntry, frontier int64, outDir string) error {
	now := time.Now()

	var active, upcoming []salecache.PromotionEntry
	for _, entry := range entries {
		switch {
		case entry.Expired(now):
		case entry.Upcoming(now):
			upcoming = append(upcoming, entry)
		default:
			active = append(active, entry)
		}
	}

	for _, dir := range []string{
		outDir,
		filepath.Join(outDir, "api"),
		filepath.Join(outDir, "data"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	err := writeSnapshot(filepath.Join(outDir, "api", "active.json"), Snapshot{
		Frontier:    frontier,
		GeneratedAt: now,
		Entries:     active,
	})
	if err != nil {
		return err
	}
	err = writeSnapshot(filepath.Join(outDir, "api", "upcoming.json"), Snapshot{
		Frontier:    frontier,
		GeneratedAt: now,
		Entries:     upcoming,
	})
	if err != nil {
		return err
	}

	frontierText := []byte(strconv.FormatInt(frontier, 10) + "\n")
	err = os.WriteFile(filepath.Join(outDir, "data", "resume_index.txt"), frontierText, 0o644)
	if err != nil {
		return err
	}

	return writeIndex(filepath.Join(outDir, "index.html"), indexData{
		GeneratedAt: now,
		Frontier:    frontier,
		Active:      active,
		Upcoming:    upcoming,
	})
}

func writeSnapshot(path string, snapshot Snapshot) error {
	if snapshot.Entries == nil {
		snapshot.Entries = []salecache.PromotionEntry{}
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

type indexData struct {
	GeneratedAt time.Time
	Frontier    int64
	Active      []salecache.PromotionEntry
	Upcoming    []salecache.PromotionEntry
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Free itch.io promotions</title>
<style>
body { font-family: sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
th, td { text-align: left; padding: 0.4rem 0.6rem; border-bottom: 1px solid #ddd; }
footer { color: #777; font-size: 0.85rem; }
</style>
</head>
<body>
<h1>Free itch.io promotions</h1>

<h2>Active ({{len .Active}})</h2>
{{if .Active}}
<table>
<tr><th>Title</th><th>Author</th><th>Ends</th></tr>
{{range .Active}}
<tr>
<td><a href="{{.URL}}">{{.Title}}</a></td>
<td>{{.Author}}</td>
<td>{{if .ExpiresAt}}{{.ExpiresAt.Format "2006-01-02 15:04"}} UTC{{else}}unknown{{end}}</td>
</tr>
{{end}}
</table>
{{else}}
<p>No active promotions right now.</p>
{{end}}

<h2>Upcoming ({{len .Upcoming}})</h2>
{{if .Upcoming}}
<table>
<tr><th>Title</th><th>Author</th><th>Starts</th></tr>
{{range .Upcoming}}
<tr>
<td><a href="{{.URL}}">{{.Title}}</a></td>
<td>{{.Author}}</td>
<td>{{if .SaleStart}}{{.SaleStart.Format "2006-01-02 15:04"}} UTC{{else}}unknown{{end}}</td>
</tr>
{{end}}
</table>
{{else}}
<p>No upcoming promotions known.</p>
{{end}}

<footer>
Generated {{.GeneratedAt.Format "2006-01-02 15:04"}} UTC.
Scan frontier: sale {{.Frontier}}.
Machine readable: <a href="api/active.json">active.json</a>,
<a href="api/upcoming.json">upcoming.json</a>.
</footer>
</body>
</html>
`))

func writeIndex(path string, data indexData) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := indexTemplate.Execute(file, data); err != nil {
		file.Close()
		return fmt.Errorf("render index: %w", err)
	}
	return file.Close()
}
