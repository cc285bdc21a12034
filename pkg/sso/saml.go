package sso

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	xrv "github.com/mattermost/xml-roundtrip-validator"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/edukite/keystone/pkg/identity"
)

const statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

// SAMLProvider validates SAML 2.0 responses for one provider
// registration and builds the SP-side artifacts (AuthnRequest URLs,
// metadata).
type SAMLProvider struct {
	config *ProviderConfig
	sp     *saml2.SAMLServiceProvider
	cert   *x509.Certificate
	skew   time.Duration
	now    func() time.Time
}

// NewSAMLProvider creates a SAML provider from a registration.
// defaultSkew applies when the registration carries no override.
func NewSAMLProvider(config *ProviderConfig, defaultSkew time.Duration) (*SAMLProvider, error) {
	if config.SAML == nil {
		return nil, newError(CodeInvalidConfig, "SAML config is required")
	}

	cfg := config.SAML
	if cfg.SPEntityID == "" {
		return nil, newError(CodeInvalidConfig, "sp_entity_id is required")
	}
	if cfg.ACSURL == "" {
		return nil, newError(CodeInvalidConfig, "acs_url is required")
	}

	// Parse the IdP signing certificate. Omitting it skips signature
	// verification entirely.
	var cert *x509.Certificate
	if cfg.Certificate != "" {
		certBlock, _ := pem.Decode([]byte(cfg.Certificate))
		if certBlock == nil {
			return nil, newError(CodeInvalidConfig, "failed to decode certificate PEM")
		}
		parsed, err := x509.ParseCertificate(certBlock.Bytes)
		if err != nil {
			return nil, wrapError(CodeInvalidConfig, err, "failed to parse certificate: %v", err)
		}
		cert = parsed
	}

	certStore := dsig.MemoryX509CertificateStore{}
	if cert != nil {
		certStore.Roots = []*x509.Certificate{cert}
	}

	// Parse private key if provided
	var keyStore dsig.X509KeyStore
	if cfg.PrivateKey != "" {
		privateKey, err := parsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		keyStore = &dsig.TLSCertKeyStore{
			PrivateKey:  privateKey,
			Certificate: [][]byte{[]byte(cfg.Certificate)},
		}
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SSOURL,
		IdentityProviderIssuer:      cfg.IdPEntityID,
		ServiceProviderIssuer:       cfg.SPEntityID,
		AssertionConsumerServiceURL: cfg.ACSURL,
		SignAuthnRequests:           cfg.SignRequests,
		AudienceURI:                 cfg.SPEntityID,
		IDPCertificateStore:         &certStore,
		SPKeyStore:                  keyStore,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}

	return &SAMLProvider{
		config: config,
		sp:     sp,
		cert:   cert,
		skew:   config.ClockSkew(defaultSkew),
		now:    time.Now,
	}, nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	keyBlock, _ := pem.Decode([]byte(pemData))
	if keyBlock == nil {
		return nil, newError(CodeInvalidConfig, "failed to decode private key PEM")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		// Try PKCS8 format
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, wrapError(CodeInvalidConfig, err, "failed to parse private key: %v", err)
		}
		rsaKey, ok := pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, newError(CodeInvalidConfig, "private key is not RSA")
		}
		privateKey = rsaKey
	}
	return privateKey, nil
}

// Validate runs the full response pipeline: decode, parse, structural
// checks, then the three independent verdicts (signature, timestamps,
// audience) and identity extraction. Structural failures abort the
// pipeline; verdict failures do not, so every defect is reported.
//
// expectedRequestID, when non-empty, is matched against the response
// InResponseTo attribute. IdP-initiated flows pass "".
func (p *SAMLProvider) Validate(rawResponse, expectedRequestID string) *ValidationResult {
	result := &ValidationResult{}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rawResponse))
	if err != nil {
		return result.fail(CodeInvalidEncoding, "response is not valid base64: %v", err)
	}

	// Reject XML that round-trips differently than it parses before
	// any signature work; such documents enable signature-wrapping
	// attacks.
	if err := xrv.Validate(bytes.NewReader(data)); err != nil {
		return result.fail(CodeInvalidXML, "response failed XML validation: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return result.fail(CodeInvalidXML, "response is not well-formed XML: %v", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "Response" {
		return result.fail(CodeInvalidFormat, "document root is not a samlp:Response")
	}

	if expectedRequestID != "" {
		if got := root.SelectAttrValue("InResponseTo", ""); got != expectedRequestID {
			return result.fail(CodeInvalidInResponseTo,
				"InResponseTo %q does not match request %q", got, expectedRequestID)
		}
	}

	if dest := root.SelectAttrValue("Destination", ""); dest != "" && dest != p.config.SAML.ACSURL {
		return result.fail(CodeInvalidDestination,
			"destination %q does not match ACS URL %q", dest, p.config.SAML.ACSURL)
	}

	if err := checkStatus(root); err != nil {
		result.Valid = false
		result.addError(err)
		return result
	}

	assertion, serr := singleAssertion(root)
	if serr != nil {
		result.Valid = false
		result.addError(serr)
		return result
	}

	result.SignatureValid = p.verifySignature(result, root, assertion)
	result.TimestampValid = p.verifyTimestamps(result, assertion)
	result.AudienceValid = p.verifyAudience(result, assertion)

	p.extract(result, assertion)

	result.Valid = result.SignatureValid && result.TimestampValid && result.AudienceValid
	return result
}

func checkStatus(root *etree.Element) *Error {
	status := childElement(root, "Status")
	if status == nil {
		return newError(CodeInvalidFormat, "response has no Status element")
	}
	statusCode := childElement(status, "StatusCode")
	if statusCode == nil {
		return newError(CodeInvalidFormat, "response has no StatusCode element")
	}
	if value := statusCode.SelectAttrValue("Value", ""); value != statusSuccess {
		msg := value
		if sm := childElement(status, "StatusMessage"); sm != nil && sm.Text() != "" {
			msg = fmt.Sprintf("%s (%s)", value, sm.Text())
		}
		return newError(CodeAuthFailed, "IdP reported failure status %s", msg)
	}
	return nil
}

func singleAssertion(root *etree.Element) (*etree.Element, *Error) {
	if childElement(root, "EncryptedAssertion") != nil {
		return nil, newError(CodeNoAssertion, "encrypted assertions are not supported")
	}
	assertions := childElements(root, "Assertion")
	if len(assertions) != 1 {
		return nil, newError(CodeNoAssertion, "expected exactly one assertion, got %d", len(assertions))
	}
	return assertions[0], nil
}

// verifySignature checks the enveloped XML signature on the assertion
// or, failing that, on the response. Without a configured certificate
// the verdict is vacuously true.
func (p *SAMLProvider) verifySignature(result *ValidationResult, root, assertion *etree.Element) bool {
	if p.cert == nil {
		return true
	}

	target := assertion
	if childElement(assertion, "Signature") == nil {
		if childElement(root, "Signature") == nil {
			result.addError(newError(CodeSignatureInvalid, "neither response nor assertion is signed"))
			return false
		}
		target = root
	}

	certStore := dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{p.cert}}
	vc := dsig.NewDefaultValidationContext(&certStore)
	if _, err := vc.Validate(target); err != nil {
		result.addError(wrapError(CodeSignatureInvalid, err, "signature verification failed: %v", err))
		return false
	}
	return true
}

// verifyTimestamps checks the assertion Conditions window with the
// configured clock skew. Absent bounds pass.
func (p *SAMLProvider) verifyTimestamps(result *ValidationResult, assertion *etree.Element) bool {
	conditions := childElement(assertion, "Conditions")
	if conditions == nil {
		return true
	}

	now := p.now()
	if raw := conditions.SelectAttrValue("NotBefore", ""); raw != "" {
		notBefore, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			result.addError(newError(CodeTimestampInvalid, "unparseable NotBefore %q", raw))
			return false
		}
		if now.Before(notBefore.Add(-p.skew)) {
			result.addError(newError(CodeTimestampInvalid, "assertion not yet valid until %s", raw))
			return false
		}
	}
	if raw := conditions.SelectAttrValue("NotOnOrAfter", ""); raw != "" {
		notOnOrAfter, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			result.addError(newError(CodeTimestampInvalid, "unparseable NotOnOrAfter %q", raw))
			return false
		}
		if !now.Before(notOnOrAfter.Add(p.skew)) {
			result.addError(newError(CodeTimestampInvalid, "assertion expired at %s", raw))
			return false
		}
	}
	return true
}

// verifyAudience checks that the SP entity ID appears in the assertion
// AudienceRestriction. Assertions without one pass.
func (p *SAMLProvider) verifyAudience(result *ValidationResult, assertion *etree.Element) bool {
	conditions := childElement(assertion, "Conditions")
	if conditions == nil {
		return true
	}
	restriction := childElement(conditions, "AudienceRestriction")
	if restriction == nil {
		return true
	}

	audiences := make([]string, 0, 1)
	for _, aud := range childElements(restriction, "Audience") {
		audiences = append(audiences, strings.TrimSpace(aud.Text()))
	}
	for _, aud := range audiences {
		if aud == p.config.SAML.SPEntityID {
			return true
		}
	}
	result.addError(newError(CodeAudienceInvalid,
		"audience restriction %v does not include %q", audiences, p.config.SAML.SPEntityID))
	return false
}

// extract pulls the NameID, attribute statement, assertion ID and
// session index. Extraction never flips the verdicts.
func (p *SAMLProvider) extract(result *ValidationResult, assertion *etree.Element) {
	var subject string
	if subj := childElement(assertion, "Subject"); subj != nil {
		if nameID := childElement(subj, "NameID"); nameID != nil {
			subject = strings.TrimSpace(nameID.Text())
		}
	}

	attrs := make(map[string][]string)
	if stmt := childElement(assertion, "AttributeStatement"); stmt != nil {
		for _, attr := range childElements(stmt, "Attribute") {
			name := attr.SelectAttrValue("Name", "")
			if name == "" {
				continue
			}
			for _, value := range childElements(attr, "AttributeValue") {
				attrs[name] = append(attrs[name], strings.TrimSpace(value.Text()))
			}
		}
	}

	result.Identity = identity.FromAttributes(subject, attrs)
	result.Metadata.AssertionID = assertion.SelectAttrValue("ID", "")
	if stmt := childElement(assertion, "AuthnStatement"); stmt != nil {
		result.Metadata.SessionIndex = stmt.SelectAttrValue("SessionIndex", "")
	}
}

// childElement returns the first direct child with the given local
// tag, ignoring namespace prefixes.
func childElement(parent *etree.Element, tag string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, child := range parent.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

func childElements(parent *etree.Element, tag string) []*etree.Element {
	if parent == nil {
		return nil
	}
	var out []*etree.Element
	for _, child := range parent.ChildElements() {
		if child.Tag == tag {
			out = append(out, child)
		}
	}
	return out
}
