package authority

import (
	"context"
	"net/http"

	"github.com/rezonia/compliance-engine/internal/trust"
)

// HealthSources names the mounted secrets and the service description
type HealthSources struct {
	BundlePath         string
	PassphrasePath     string
	ServiceDescription string
}

// ServiceStatus reports the resolved service description
type ServiceStatus struct {
	Source     string   `json:"source"`
	Endpoint   string   `json:"endpoint,omitempty"`
	Operations []string `json:"operations,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// HealthReport is the compliance-health answer
type HealthReport struct {
	Healthy          bool                     `json:"healthy"`
	CredentialsError string                   `json:"credentials_error,omitempty"`
	Certificate      *trust.CertificateStatus `json:"certificate,omitempty"`
	Service          ServiceStatus            `json:"service"`
}

// CheckHealth re-reads the mounted credentials and service description and
// inspects the client certificate. It never returns an error; problems are
// reported in the result.
func CheckHealth(ctx context.Context, src HealthSources, store *trust.Store, client *http.Client) HealthReport {
	report := HealthReport{Healthy: true, Service: ServiceStatus{Source: src.ServiceDescription}}

	creds, err := LoadCredentials(src.BundlePath, src.PassphrasePath)
	if err != nil {
		report.Healthy = false
		report.CredentialsError = err.Error()
	} else if store != nil {
		st := store.Status(ctx, creds.Leaf, creds.Chain)
		report.Certificate = &st
		if !st.Healthy() {
			report.Healthy = false
		}
	}

	desc, err := LoadServiceDescription(ctx, src.ServiceDescription, client)
	if err != nil {
		report.Healthy = false
		report.Service.Error = err.Error()
	} else {
		report.Service.Endpoint = desc.Endpoint
		report.Service.Operations = desc.Operations()
	}
	return report
}
