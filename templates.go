package bindfixture

import (
	"strings"
	"text/template"
)

// GeneratedHeader starts every file the fixture writes
const GeneratedHeader = `
# This is a file generated by the bindfixture.
# The bindfixture tries not to overwrite existing configuration files
# so it's safe to edit this file if you need to but be aware that
# these changes won't be persisted.
`

var templateFuncs = template.FuncMap{
	"quote": confQuote,
}

// namedConfTemplate overrides the default file locations and port so the
// instance never clashes with a system-wide BIND.
var namedConfTemplate = template.Must(template.New(ConfFileName).Funcs(templateFuncs).Parse(`
options {
  directory {{quote .HomeDir}};
  listen-on port {{.Port}} { {{- .LoopbackV4}}; };
  listen-on-v6 port {{.Port}} { {{- .LoopbackV6}}; };
  pid-file {{quote .PIDFile}};
  session-keyfile {{quote .SessionKeyFile}};
{{- if .IncludeInOptions}}
  include {{quote .IncludeInOptions}};
{{- end}}
};

logging {
  channel simple_log {
    file {{quote .LogFile}};
    severity debug;
    print-severity yes;
    print-time yes;
  };
  category default {
    simple_log;
  };
};

{{.Controls}}
{{.Extra}}
`))

var rndcKeyTemplate = template.Must(template.New("key").Funcs(templateFuncs).Parse(
	`key {{quote .Name}} {
	algorithm {{.Algorithm}};
	secret {{quote .Secret}};
};
`))

// rndcClientTemplate is the rndc.conf read by ControlClient
var rndcClientTemplate = template.Must(template.New(RndcConfFileName).Funcs(templateFuncs).Parse(`
{{.Key}}
options {
	default-key {{quote .Name}};
	default-server {{.Server}};
	default-port {{.Port}};
};
`))

// rndcServerTemplate is the key and controls statement embedded in named.conf
var rndcServerTemplate = template.Must(template.New("controls").Funcs(templateFuncs).Parse(`
{{.Key}}
controls {
	inet {{.Server}} port {{.Port}}
		allow { {{- .Server}}; } keys { {{- quote .Name}}; };
{{- if .IncludeDefaultControls}}
	inet {{.Server}} port {{.DefaultPort}}
		allow { localhost; } keys { {{- quote .Name}}; };
{{- end}}
};
`))

type namedConfData struct {
	*InstanceConfig
	LoopbackV4 string
	LoopbackV6 string
	Controls   string
}

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// confQuote returns s as a double-quoted named.conf string
func confQuote(s string) string {
	if !needsConfEscaping(s) {
		return `"` + s + `"`
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func needsConfEscaping(s string) bool {
	return strings.ContainsAny(s, `"\`)
}
