package main

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"sync/atomic"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/searchktools/mini-server/app"
	"github.com/searchktools/mini-server/core/http"
)

// registerRoutes installs the demo routes
func registerRoutes(a *app.App) {
	e := a.Engine()

	e.GET("/home", func(*http.Request) (*http.Response, error) {
		return http.Text(http.StatusOK, "Homepage"), nil
	})

	e.GET("/parameter_demo", parameterDemo)
	e.POST("/parameter_demo", parameterDemo)
	e.GET("/hello/:name", func(req *http.Request) (*http.Response, error) {
		return http.Text(http.StatusOK, "Hello, "+req.Param("name")+"!"), nil
	})

	var counter atomic.Int64
	e.GET("/counter", func(req *http.Request) (*http.Response, error) {
		n := counter.Add(1) - 1
		if wantsProto(req) {
			return http.Proto(http.StatusOK, wrapperspb.Int64(n))
		}
		return http.HTML(http.StatusOK, fmt.Sprintf("<h1>%d</h1>", n)), nil
	})

	e.GET("/stats", a.StatsHandler())
	e.GET("/stats.txt", func(*http.Request) (*http.Response, error) {
		return http.Text(http.StatusOK, e.StatsText()), nil
	})
}

// parameterDemo echoes query and form parameters back as an HTML page
func parameterDemo(req *http.Request) (*http.Response, error) {
	var b strings.Builder
	b.WriteString("<html><body>\n")
	if req.Method == "POST" {
		b.WriteString("<h2>POST parameters</h2>\n")
		writeParams(&b, req.Form)
	}
	b.WriteString("<h2>Query parameters</h2>\n")
	writeParams(&b, req.Query)
	b.WriteString(`<form action="" method="POST">
First name: <input type="text" name="fname"><br>
Last name: <input type="text" name="lname"><br>
<input type="submit" value="Submit">
</form>
</body></html>
`)
	return http.HTML(http.StatusOK, b.String()), nil
}

func writeParams(b *strings.Builder, params map[string]string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("<ul>\n")
	for _, k := range keys {
		fmt.Fprintf(b, "<li><b>%s</b> %s</li>\n", html.EscapeString(k), html.EscapeString(params[k]))
	}
	b.WriteString("</ul>\n")
}

func wantsProto(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), http.ContentTypeProtobuf)
}
