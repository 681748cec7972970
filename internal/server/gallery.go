package server

const galleryTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{ .Title }}</title>
<link rel="icon" href="/static/{{ index .AvatarIDs 0 }}">
<meta property="og:type" content="website">
<meta name="theme-color" content="#ffd1dc">
<meta property="og:title" content="{{ .Name }}">
<meta property="og:image" content="/static/{{ index .AvatarIDs 0 }}">
<meta property="og:site_name" content="Avatar History">
</head>
<body>
{{- range .AvatarIDs }}
<img src="/static/{{ . }}" height="200px" width="200px" style="padding: 5px;" loading="lazy"/>
{{- end }}
</body>
</html>
`
