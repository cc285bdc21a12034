package sso

import (
	"fmt"
)

// BuildLoginURL builds an SP-initiated AuthnRequest redirect URL and
// returns it with the generated request ID so the caller can correlate
// InResponseTo on the returned response.
func (p *SAMLProvider) BuildLoginURL(relayState string) (string, string, error) {
	doc, err := p.sp.BuildAuthRequestDocument()
	if err != nil {
		return "", "", fmt.Errorf("failed to build auth request: %w", err)
	}

	requestID := ""
	if root := doc.Root(); root != nil {
		requestID = root.SelectAttrValue("ID", "")
	}

	authURL, err := p.sp.BuildAuthURLFromDocument(relayState, doc)
	if err != nil {
		return "", "", fmt.Errorf("failed to build auth URL: %w", err)
	}
	return authURL, requestID, nil
}

// Metadata returns the service provider metadata document advertised
// to identity providers.
func (p *SAMLProvider) Metadata() ([]byte, error) {
	metadataXML := fmt.Sprintf(`<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
                     entityID="%s">
  <md:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <md:AssertionConsumerService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
                                 Location="%s"
                                 index="1"/>
  </md:SPSSODescriptor>
</md:EntityDescriptor>`,
		p.sp.ServiceProviderIssuer,
		p.sp.AssertionConsumerServiceURL)

	return []byte(metadataXML), nil
}
