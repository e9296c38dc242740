package ingress

import "text/template"

// serverBlock is the nginx config written per project. TLS blocks assume
// certbot's standard live-directory layout.
var serverBlock = template.Must(template.New("server").Parse(`server {
    listen 80;
    server_name {{.Domain}};
{{- if .TLSEnabled}}
    location /.well-known/acme-challenge/ {
        root /var/www/certbot;
    }
    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen 443 ssl;
    server_name {{.Domain}};

    ssl_certificate /etc/letsencrypt/live/{{.Domain}}/fullchain.pem;
    ssl_certificate_key /etc/letsencrypt/live/{{.Domain}}/privkey.pem;
{{- end}}

    location / {
        proxy_pass http://127.0.0.1:{{.Port}};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`))

type serverBlockData struct {
	Domain     string
	Port       int
	TLSEnabled bool
}
