package authority

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/beevik/etree"

	"github.com/rezonia/compliance-engine/internal/model"
)

// Operation names the engine depends on
const (
	OpRegisterInvoice = "RegisterInvoice"
	OpQueryInvoices   = "QueryInvoices"
)

// RequiredOperations must be present in every service description
var RequiredOperations = []string{OpRegisterInvoice, OpQueryInvoices}

// ServiceDescription is the resolved subset of the authority's WSDL
type ServiceDescription struct {
	Source          string
	TargetNamespace string
	Endpoint        string
	// SOAPActions maps an operation name to its soapAction ("" when unset)
	SOAPActions map[string]string
}

// Operations lists the operation names in sorted order
func (d *ServiceDescription) Operations() []string {
	ops := make([]string, 0, len(d.SOAPActions))
	for name := range d.SOAPActions {
		ops = append(ops, name)
	}
	sort.Strings(ops)
	return ops
}

// Has reports whether the service exposes an operation
func (d *ServiceDescription) Has(op string) bool {
	_, ok := d.SOAPActions[op]
	return ok
}

// LoadServiceDescription reads a WSDL from a file path or an http(s) URL
func LoadServiceDescription(ctx context.Context, source string, client *http.Client) (*ServiceDescription, error) {
	if strings.TrimSpace(source) == "" {
		return nil, model.NewConfigError("service_description", "service description is not set", nil)
	}

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		data, err = fetch(ctx, source, client)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, model.NewConfigError("service_description", "cannot load service description", err)
	}

	desc, err := ParseServiceDescription(data)
	if err != nil {
		return nil, err
	}
	desc.Source = source
	return desc, nil
}

func fetch(ctx context.Context, source string, client *http.Client) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", source, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// ParseServiceDescription extracts the SOAP endpoint and operations from WSDL 1.1
func ParseServiceDescription(data []byte) (*ServiceDescription, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, model.NewConfigError("service_description", "service description is not valid XML", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "definitions" {
		return nil, model.NewConfigError("service_description", "service description has no wsdl:definitions root", nil)
	}

	desc := &ServiceDescription{
		TargetNamespace: root.SelectAttrValue("targetNamespace", ""),
		SOAPActions:     make(map[string]string),
	}

	for _, addr := range root.FindElements("./service/port/address") {
		if loc := strings.TrimSpace(addr.SelectAttrValue("location", "")); loc != "" {
			desc.Endpoint = loc
			break
		}
	}
	if desc.Endpoint == "" {
		return nil, model.NewConfigError("service_description", "no soap:address location found", nil)
	}
	u, err := url.Parse(desc.Endpoint)
	if err != nil || u.Host == "" {
		return nil, model.NewConfigError("service_description", "invalid endpoint "+desc.Endpoint, err)
	}
	// the client certificate is only presented over TLS
	if u.Scheme != "https" {
		return nil, model.NewConfigError("service_description", "endpoint must use https: "+desc.Endpoint, nil)
	}

	for _, op := range root.FindElements("./binding/operation") {
		name := op.SelectAttrValue("name", "")
		if name == "" {
			continue
		}
		action := ""
		if soapOp := op.SelectElement("operation"); soapOp != nil {
			action = soapOp.SelectAttrValue("soapAction", "")
		}
		desc.SOAPActions[name] = action
	}
	if len(desc.SOAPActions) == 0 {
		for _, op := range root.FindElements("./portType/operation") {
			if name := op.SelectAttrValue("name", ""); name != "" {
				desc.SOAPActions[name] = ""
			}
		}
	}

	var missing []string
	for _, op := range RequiredOperations {
		if !desc.Has(op) {
			missing = append(missing, op)
		}
	}
	if len(missing) > 0 {
		return nil, model.NewConfigError("service_description",
			"missing required operations: "+strings.Join(missing, ", "), nil)
	}
	return desc, nil
}
