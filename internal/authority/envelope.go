package authority

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// XML namespaces of the authority protocol
const (
	SOAPEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	TaxNS          = "urn:compliance:authority:v1"
	HashAlgorithm  = "SHA-256"
)

// Registration statuses returned by RegisterInvoice
const (
	StatusAccepted  = "Accepted"
	StatusDuplicate = "Duplicate"
	StatusRejected  = "Rejected"
	StatusTryLater  = "TryLater"
)

// newRequestElement creates a tax:<name> element that declares its own
// namespace, so it stays self-contained when signed.
func newRequestElement(name, id string) *etree.Element {
	el := etree.NewElement("tax:" + name)
	el.CreateAttr("xmlns:tax", TaxNS)
	if id != "" {
		el.CreateAttr("Id", id)
	}
	return el
}

func addText(parent *etree.Element, tag, text string) *etree.Element {
	el := parent.CreateElement("tax:" + tag)
	el.SetText(text)
	return el
}

// wrapEnvelope places body inside a SOAP 1.1 envelope and serializes it
func wrapEnvelope(body *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", SOAPEnvelopeNS)
	env.CreateElement("soapenv:Header")
	env.CreateElement("soapenv:Body").AddChild(body)

	return doc.WriteToBytes()
}

// fault is a SOAP 1.1 fault
type fault struct {
	Code   string
	String string
	Detail string
}

// isClient reports a soap:Client fault (the request was at fault)
func (f *fault) isClient() bool {
	return strings.HasSuffix(f.Code, "Client") || strings.HasSuffix(f.Code, "Sender")
}

// parseEnvelope returns the first child of the SOAP body, or the fault it carries
func parseEnvelope(data []byte) (*etree.Element, *fault, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, nil, fmt.Errorf("parse SOAP envelope: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, nil, fmt.Errorf("response is not a SOAP envelope")
	}
	body := root.SelectElement("Body")
	if body == nil {
		return nil, nil, fmt.Errorf("SOAP envelope has no body")
	}

	children := body.ChildElements()
	if len(children) == 0 {
		return nil, nil, fmt.Errorf("SOAP body is empty")
	}
	first := children[0]
	if first.Tag == "Fault" {
		f := &fault{
			Code:   childText(first, "faultcode"),
			String: childText(first, "faultstring"),
		}
		if d := first.SelectElement("detail"); d != nil {
			f.Detail = strings.TrimSpace(d.Text())
			if children := d.ChildElements(); f.Detail == "" && len(children) > 0 {
				f.Detail = strings.TrimSpace(children[0].Text())
			}
		}
		return nil, f, nil
	}
	return first, nil, nil
}

func childText(el *etree.Element, tag string) string {
	if c := el.SelectElement(tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func pathText(el *etree.Element, path string) string {
	if c := el.FindElement(path); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}
