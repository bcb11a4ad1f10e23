package commands

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/mtlsgreeter/internal/client"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
	"github.com/wolfeidau/mtlsgreeter/internal/logger"
)

type Globals struct {
	Debug   bool
	Version string
	Client  ClientFlags
	Out     io.Writer
}

func (g *Globals) logger() zerolog.Logger {
	return logger.Setup(g.Debug)
}

// ClientFlags are shared by every command.
type ClientFlags struct {
	Host      string `help:"server host" default:"localhost" env:"SERVER_HOST"`
	Endpoint  string `help:"endpoint to call (plain or tls)" default:"tls" enum:"plain,tls" env:"GREETER_ENDPOINT"`
	PlainPort int    `help:"plaintext endpoint port" default:"8080"`
	TLSPort   int    `help:"TLS endpoint port" default:"8443"`

	Cert         string `help:"client PKCS#12 bundle" default:"certificates/client.pfx" env:"GREETER_CLIENT_CERT"`
	CertPassword string `help:"client bundle password" default:"" env:"GREETER_CLIENT_CERT_PASSWORD"`

	CAFile             string `help:"PEM file of trust anchors for the server certificate" default:"" env:"GREETER_CA_FILE"`
	InsecureSkipVerify bool   `help:"skip server certificate verification (local demos only)" default:"false"`

	Timeout time.Duration `help:"per call timeout" default:"30s"`
	Retries uint          `help:"retries while the server is unavailable" default:"3"`
}

func (f ClientFlags) config(scheme endpoint.Scheme) client.Config {
	return client.Config{
		Host:               f.Host,
		Scheme:             scheme,
		PlainPort:          f.PlainPort,
		TLSPort:            f.TLSPort,
		CertPath:           f.Cert,
		CertPassword:       f.CertPassword,
		CAFile:             f.CAFile,
		InsecureSkipVerify: f.InsecureSkipVerify,
		Timeout:            f.Timeout,
		Retries:            f.Retries,
	}
}

func (f ClientFlags) scheme() endpoint.Scheme {
	var scheme endpoint.Scheme
	if err := scheme.UnmarshalText([]byte(f.Endpoint)); err != nil {
		return endpoint.SchemeTLS
	}
	return scheme
}
