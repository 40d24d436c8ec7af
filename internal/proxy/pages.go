package proxy

import (
	"html/template"
	"net/http"
	"strconv"
)

const startingRefreshSeconds = 3

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
{{if .Refresh}}<meta http-equiv="refresh" content="{{.Refresh}}">{{end}}
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;background:#0f1115;color:#e6e6e6;display:flex;align-items:center;justify-content:center;height:100vh;margin:0}
main{text-align:center}
h1{font-size:1.5rem;margin-bottom:.5rem}
p{color:#9aa0a6}
code{color:#7cc4ff}
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>{{.Message}} <code>{{.Host}}</code></p>
</main>
</body>
</html>
`))

type page struct {
	Title   string
	Message string
	Host    string
	Refresh int
}

func writeNotFoundPage(w http.ResponseWriter, host string) {
	writePage(w, http.StatusNotFound, page{
		Title:   "Deployment not found",
		Message: "Nothing is deployed at",
		Host:    host,
	})
}

func writeStartingPage(w http.ResponseWriter, host string) {
	w.Header().Set("Refresh", strconv.Itoa(startingRefreshSeconds))
	writePage(w, http.StatusBadGateway, page{
		Title:   "Starting up",
		Message: "The deployment is not ready yet. This page will retry shortly:",
		Host:    host,
		Refresh: startingRefreshSeconds,
	})
}

func writePage(w http.ResponseWriter, status int, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = pageTemplate.Execute(w, p)
}
