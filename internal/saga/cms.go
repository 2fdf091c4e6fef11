package saga

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// The CMS speaks literal SOAP 1.1; the envelopes are small enough that
// templating beats an XML encoder.
const cmsRegisterTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:cms="http://swiftlogistics.lk/cms">
  <soap:Body>
    <cms:RegisterOrderRequest>
      <cms:OrderId>%s</cms:OrderId>
      <cms:ClientId>%s</cms:ClientId>
      <cms:PickupAddress>%s</cms:PickupAddress>
      <cms:DeliveryAddress>%s</cms:DeliveryAddress>
    </cms:RegisterOrderRequest>
  </soap:Body>
</soap:Envelope>`

const cmsCancelTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:cms="http://swiftlogistics.lk/cms">
  <soap:Body>
    <cms:CancelOrderRequest>
      <cms:OrderId>%s</cms:OrderId>
    </cms:CancelOrderRequest>
  </soap:Body>
</soap:Envelope>`

// Namespace prefixes vary between CMS deployments; tolerate any.
var cmsReferencePattern = regexp.MustCompile(`<(?:\w+:)?CmsReference>(.*?)</(?:\w+:)?CmsReference>`)

type cmsClient struct {
	httpClient *http.Client
	baseURL    string
}

// registerOrder POSTs the SOAP register envelope and extracts the
// CMS reference from the response body.
func (c *cmsClient) registerOrder(ctx context.Context, orderID, clientID, pickupAddress, deliveryAddress string) (string, error) {
	envelope := fmt.Sprintf(cmsRegisterTemplate, orderID, clientID, pickupAddress, deliveryAddress)

	body, err := c.post(ctx, c.baseURL+"/soap/orders", envelope)
	if err != nil {
		return "", err
	}

	match := cmsReferencePattern.FindStringSubmatch(body)
	if match == nil {
		return "", fmt.Errorf("CMS response missing CmsReference")
	}
	return match[1], nil
}

// cancelOrder is the compensating action for registerOrder.
func (c *cmsClient) cancelOrder(ctx context.Context, orderID string) error {
	envelope := fmt.Sprintf(cmsCancelTemplate, orderID)
	_, err := c.post(ctx, c.baseURL+"/soap/orders/cancel", envelope)
	return err
}

func (c *cmsClient) post(ctx context.Context, url, envelope string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(envelope))
	if err != nil {
		return "", fmt.Errorf("failed to build CMS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("CMS request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read CMS response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("CMS returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
