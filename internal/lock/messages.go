package lock

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/n3tuk/action-branch-deploy-lock/internal/model"
)

// Silent release results, returned in place of rendered messages for
// internal callers.
const (
	SilentRemoved = "removed lock - silent"
	SilentNotSet  = "no deployment lock currently set - silent"
	SilentFailed  = "failed to delete lock (bad status code) - silent"
)

const (
	msgClaimed  = "claimed"
	msgOwner    = "owner"
	msgDenied   = "denied"
	msgDetails  = "details"
	msgNoLock   = "no-lock"
	msgRemoved  = "removed"
	msgNotSet   = "not-set"
	msgFailed   = "failed"
	msgPending  = "pending"
	lockDetails = "lock-details"
)

// messageData is the input of every message template.
type messageData struct {
	Actor         string
	Scope         string
	Task          string
	Global        bool
	Sticky        bool
	Reason        string
	UnlockCommand string
	LockBranch    string
	LockURL       string
	SameUser      bool

	// Lock is the held lock, if there is one.
	Lock *model.LockRecord
}

var messageFuncs = template.FuncMap{
	"str": func(s *string) string {
		if s == nil || *s == "" {
			return "N/A"
		}
		return *s
	},
	"pr": func(n *int) string {
		if n == nil {
			return "N/A"
		}
		return "#" + strconv.Itoa(*n)
	},
	"yesno": func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	},
	"time": func(t time.Time) string {
		return t.UTC().Format(time.RFC3339)
	},
}

var messages = template.Must(template.New("messages").Funcs(messageFuncs).Parse(`
{{- define "lock-details" -}}
| | |
| --- | --- |
| Environment | ` + "`{{ .Lock.Scope }}`" + ` |
| Branch | ` + "`{{ .Lock.Branch }}`" + ` |
| Pull Request | {{ pr .Lock.PRNumber }} |
| Task | {{ str .Lock.Task }} |
| Created By | __{{ .Lock.CreatedBy }}__ |
| Created At | {{ time .Lock.CreatedAt }} |
| Sticky | {{ yesno .Lock.Sticky }} |
| Global | {{ yesno .Lock.Global }} |
{{- with .Lock.Reason }}
| Reason | {{ . }} |
{{- end }}
{{- with .Lock.Link }}
| Link | [comment]({{ . }}) |
{{- end }}
{{- with .LockURL }}
| Lock | [{{ $.LockBranch }}]({{ . }}) |
{{- end }}

Run ` + "`{{ .Lock.UnlockCommand }}`" + ` to release it.
{{- end -}}

{{- define "scope" -}}
` + "`{{ .Scope }}`" + ` deployment lock{{ with .Task }} for task ` + "`{{ . }}`" + `{{ end }}
{{- end -}}

{{- define "claimed" -}}
### 🔒 Deployment Lock Claimed

__{{ .Actor }}__, you now hold the {{ template "scope" . }}{{ if .Global }}, which blocks deployments to every environment{{ end }}.
{{- with .Reason }}

> {{ . }}
{{- end }}

{{ if .Sticky -}}
This lock is _sticky_ and stays in place until someone runs ` + "`{{ .UnlockCommand }}`" + `.
{{- else -}}
This lock is released when the deployment finishes.
{{- end }}
{{- end -}}

{{- define "owner" -}}
### 🔒 Deployment Lock Already Claimed

__{{ .Actor }}__, you already hold the {{ template "scope" . }}.
{{- end -}}

{{- define "denied" -}}
### ⚠️ Cannot Claim Deployment Lock

{{ if .SameUser -}}
__{{ .Actor }}__, you already hold the {{ template "scope" . }} for a different branch or pull request. Release it before claiming it again.
{{- else -}}
Sorry __{{ .Actor }}__, the {{ template "scope" . }} is currently claimed by __{{ .Lock.CreatedBy }}__.
{{- end }}
{{- if .Lock.Global }}

A global lock blocks deployments to every environment.
{{- end }}

{{ template "lock-details" . }}
{{- end -}}

{{- define "pending" -}}
### ⚠️ Cannot Claim Deployment Lock

Sorry __{{ .Actor }}__, the {{ template "scope" . }} was claimed by another request at the same time. Try again shortly.
{{- end -}}

{{- define "details" -}}
### 🔒 Deployment Lock Information

The {{ template "scope" . }} is currently claimed by __{{ .Lock.CreatedBy }}__.

{{ template "lock-details" . }}
{{- end -}}

{{- define "no-lock" -}}
### 🔓 No Deployment Lock

There is no {{ template "scope" . }} currently set.
{{- end -}}

{{- define "removed" -}}
### 🔓 Deployment Lock Removed

The {{ template "scope" . }} has been released.
{{- end -}}

{{- define "not-set" -}}
### 🔓 Deployment Lock Removed

There is no {{ template "scope" . }} currently set.
{{- end -}}

{{- define "failed" -}}
### ⚠️ Cannot Remove Deployment Lock

The {{ template "scope" . }} could not be released. Check the workflow logs for details.
{{- end -}}
`))

func render(name string, data messageData) (string, error) {
	var b strings.Builder
	if err := messages.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s message: %w", name, err)
	}
	return b.String(), nil
}
