package static

import (
	"bytes"
	"html"
	"net/url"
	"os"
	"path"
	"sort"
)

// listing renders an "Index of" page for dir. virtual is the request path
// the directory was reached through.
func listing(dir, virtual string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	base := path.Clean("/" + virtual)
	if base != "/" {
		base += "/"
	}

	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Index of ")
	b.WriteString(html.EscapeString(base))
	b.WriteString("</title></head>\n<body><h1>Index of ")
	b.WriteString(html.EscapeString(base))
	b.WriteString("</h1>\n<ul>\n")
	if base != "/" {
		b.WriteString("<li><a href=\"../\">../</a></li>\n")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		href := (&url.URL{Path: base + name}).EscapedPath()
		b.WriteString("<li><a href=\"")
		b.WriteString(html.EscapeString(href))
		b.WriteString("\">")
		b.WriteString(html.EscapeString(name))
		b.WriteString("</a></li>\n")
	}
	b.WriteString("</ul></body></html>\n")
	return b.Bytes(), nil
}
