package server

import (
	"html/template"

	"github.com/marcus-qen/speechless-edge/internal/edge/users"
)

// IndexPageData is passed to the index template.
type IndexPageData struct {
	User    *users.User
	Version string
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Speechless</title>
</head>
<body>
{{- if .User}}
<header>
<img src="{{.User.AvatarURL}}" alt="" width="32" height="32">
<span id="username">{{.User.Username}}</span>
<a href="/logout">Logout</a>
</header>
<main id="player" data-user-id="{{.User.ID}}"></main>
{{- else}}
<main>
<h1>Speechless</h1>
<a id="login" href="/login">Login with Discord</a>
</main>
{{- end}}
<footer>speechless-edge {{.Version}}</footer>
</body>
</html>
`))
