// services/email_service.go
package services

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/shopspring/decimal"

	"github.com/quillshelf/bookpay/models"
)

// EmailService sends transactional email over SMTP. A nil service or one
// without an SMTP host is a no-op, so notification delivery never gates a
// lifecycle transition.
type EmailService struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
}

// DownloadLink pairs a purchased title with its tokenized download URL.
type DownloadLink struct {
	Title string
	URL   string
}

type EmailData struct {
	Order        *models.Order
	CompanyName  string
	SupportEmail string
	Reason       string
	RefundAmount decimal.Decimal
	Links        []DownloadLink
}

// NewEmailService creates a new email service
func NewEmailService(host, port, username, password, fromEmail, fromName string) *EmailService {
	return &EmailService{
		SMTPHost:     host,
		SMTPPort:     port,
		SMTPUsername: username,
		SMTPPassword: password,
		FromEmail:    fromEmail,
		FromName:     fromName,
	}
}

// SendOrderConfirmation sends the purchase confirmation email
func (e *EmailService) SendOrderConfirmation(order *models.Order) error {
	subject := fmt.Sprintf("Order Confirmed - %s", order.OrderNumber)

	htmlBody, err := e.renderTemplate("order_confirmation.html", EmailData{
		Order:        order,
		CompanyName:  "Quillshelf",
		SupportEmail: "support@quillshelf.com",
	})
	if err != nil {
		return err
	}
	return e.sendEmail(recipientFor(order), subject, htmlBody)
}

// SendDeliveryLinks sends the fulfillment email with download links
func (e *EmailService) SendDeliveryLinks(order *models.Order, links []DownloadLink) error {
	subject := fmt.Sprintf("Your Books Are Ready - %s", order.OrderNumber)

	htmlBody, err := e.renderTemplate("order_fulfillment.html", EmailData{
		Order:        order,
		CompanyName:  "Quillshelf",
		SupportEmail: "support@quillshelf.com",
		Links:        links,
	})
	if err != nil {
		return err
	}
	return e.sendEmail(recipientFor(order), subject, htmlBody)
}

// SendOrderCancelled sends the cancellation notice
func (e *EmailService) SendOrderCancelled(order *models.Order, reason string) error {
	subject := fmt.Sprintf("Order Cancelled - %s", order.OrderNumber)

	htmlBody, err := e.renderTemplate("order_cancelled.html", EmailData{
		Order:        order,
		CompanyName:  "Quillshelf",
		SupportEmail: "support@quillshelf.com",
		Reason:       reason,
	})
	if err != nil {
		return err
	}
	return e.sendEmail(recipientFor(order), subject, htmlBody)
}

// SendRefundNotice sends the refund confirmation
func (e *EmailService) SendRefundNotice(order *models.Order, amount decimal.Decimal) error {
	subject := fmt.Sprintf("Refund Processed - %s", order.OrderNumber)

	htmlBody, err := e.renderTemplate("refund_notice.html", EmailData{
		Order:        order,
		CompanyName:  "Quillshelf",
		SupportEmail: "support@quillshelf.com",
		RefundAmount: amount,
	})
	if err != nil {
		return err
	}
	return e.sendEmail(recipientFor(order), subject, htmlBody)
}

// recipientFor derives the notification address. Account profiles live in a
// separate service; the mail relay resolves this alias to the real inbox.
func recipientFor(order *models.Order) string {
	return fmt.Sprintf("%s@users.quillshelf.com", order.UserID)
}

// renderTemplate renders an email template with data
func (e *EmailService) renderTemplate(templateName string, data EmailData) (string, error) {
	tmpl, err := template.New(templateName).Parse(e.getEmailTemplate(templateName))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sendEmail sends an email using SMTP
func (e *EmailService) sendEmail(to, subject, htmlBody string) error {
	if e == nil || e.SMTPHost == "" {
		return nil
	}

	msg := e.buildEmailMessage(to, subject, htmlBody)
	auth := smtp.PlainAuth("", e.SMTPUsername, e.SMTPPassword, e.SMTPHost)

	return smtp.SendMail(
		e.SMTPHost+":"+e.SMTPPort,
		auth,
		e.FromEmail,
		[]string{to},
		[]byte(msg),
	)
}

// buildEmailMessage builds the email message with headers
func (e *EmailService) buildEmailMessage(to, subject, htmlBody string) string {
	from := fmt.Sprintf("%s <%s>", e.FromName, e.FromEmail)

	msg := fmt.Sprintf("From: %s\r\n", from)
	msg += fmt.Sprintf("To: %s\r\n", to)
	msg += fmt.Sprintf("Subject: %s\r\n", subject)
	msg += "MIME-Version: 1.0\r\n"
	msg += "Content-Type: text/html; charset=UTF-8\r\n"
	msg += "\r\n"
	msg += htmlBody

	return msg
}

// getEmailTemplate returns email template content
func (e *EmailService) getEmailTemplate(templateName string) string {
	switch templateName {
	case "order_confirmation.html":
		return orderConfirmationTemplate
	case "order_fulfillment.html":
		return orderFulfillmentTemplate
	case "order_cancelled.html":
		return orderCancelledTemplate
	case "refund_notice.html":
		return refundNoticeTemplate
	default:
		return basicEmailTemplate
	}
}

// Email Templates
const orderConfirmationTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Order Confirmed</title>
    <style>
        body { font-family: Georgia, serif; line-height: 1.6; color: #333; margin: 0; padding: 20px; }
        .container { max-width: 600px; margin: 0 auto; background: #f9f9f9; padding: 20px; }
        .header { background: #3b2c2c; color: white; padding: 20px; text-align: center; }
        .content { background: white; padding: 30px; }
        .order-details { background: #f5f5f5; padding: 20px; margin: 20px 0; }
        .item { border-bottom: 1px solid #eee; padding: 10px 0; }
        .total { font-weight: bold; font-size: 18px; margin-top: 10px; }
        .footer { text-align: center; margin-top: 30px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>{{.CompanyName}}</h1>
            <h2>Order Confirmed</h2>
        </div>

        <div class="content">
            <p>Thank you for your purchase! Your order <strong>{{.Order.OrderNumber}}</strong> is confirmed.</p>

            <div class="order-details">
                <h3>Order Details</h3>
                <p><strong>Date:</strong> {{.Order.CreatedAt.Format "January 2, 2006"}}</p>

                {{range .Order.Items}}
                <div class="item">
                    <strong>{{.Title}}</strong><br>
                    Price: {{.Price}} {{$.Order.Currency}}
                </div>
                {{end}}

                {{if .Order.DiscountAmount.IsPositive}}
                <p>Discount ({{.Order.CouponCode}}): -{{.Order.DiscountAmount}} {{.Order.Currency}}</p>
                {{end}}
                <div class="total">
                    Total: {{.Order.TotalAmount}} {{.Order.Currency}}
                </div>
            </div>

            <p>Your download links are on the way in a separate email.</p>

            <p>If you have any questions, please contact us at {{.SupportEmail}}.</p>
        </div>

        <div class="footer">
            <p>&copy; {{.CompanyName}}</p>
        </div>
    </div>
</body>
</html>
`

const orderFulfillmentTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Your Books Are Ready</title>
    <style>
        body { font-family: Georgia, serif; line-height: 1.6; color: #333; margin: 0; padding: 20px; }
        .container { max-width: 600px; margin: 0 auto; background: #f9f9f9; padding: 20px; }
        .header { background: #3b2c2c; color: white; padding: 20px; text-align: center; }
        .content { background: white; padding: 30px; }
        .downloads { background: #f8f9fa; padding: 20px; margin: 20px 0; border-radius: 5px; }
        .download-item { background: white; padding: 15px; margin: 10px 0; border-radius: 5px; border: 1px solid #ddd; }
        .download-button { background: #5a6e72; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px; display: inline-block; }
        .important { background: #fff3cd; border: 1px solid #ffeaa7; padding: 15px; border-radius: 5px; margin: 20px 0; }
        .footer { text-align: center; margin-top: 30px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>{{.CompanyName}}</h1>
            <h2>Your Books Are Ready</h2>
        </div>

        <div class="content">
            <p>Order <strong>{{.Order.OrderNumber}}</strong> is complete and your books are ready to download.</p>

            <div class="downloads">
                <h3>Your Downloads:</h3>
                {{range .Links}}
                <div class="download-item">
                    <strong>{{.Title}}</strong><br>
                    <a href="{{.URL}}" class="download-button">Download</a>
                </div>
                {{end}}
            </div>

            <div class="important">
                <strong>Important:</strong> Each link is valid for 7 days and can be used up to 3 times. Please save your files to your device.
            </div>

            <p>Happy reading! If you need help, contact us at {{.SupportEmail}}.</p>
        </div>

        <div class="footer">
            <p>&copy; {{.CompanyName}}</p>
        </div>
    </div>
</body>
</html>
`

const orderCancelledTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Order Cancelled</title>
    <style>
        body { font-family: Georgia, serif; line-height: 1.6; color: #333; margin: 0; padding: 20px; }
        .container { max-width: 600px; margin: 0 auto; background: #f9f9f9; padding: 20px; }
        .header { background: #3b2c2c; color: white; padding: 20px; text-align: center; }
        .content { background: white; padding: 30px; }
        .notice { background: #fdecea; border: 1px solid #f5c6cb; padding: 15px; border-radius: 5px; margin: 20px 0; }
        .footer { text-align: center; margin-top: 30px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>{{.CompanyName}}</h1>
            <h2>Order Cancelled</h2>
        </div>

        <div class="content">
            <p>Your order <strong>{{.Order.OrderNumber}}</strong> has been cancelled.</p>

            {{if .Reason}}
            <div class="notice">
                <strong>Reason:</strong> {{.Reason}}
            </div>
            {{end}}

            <p>No charge was completed for this order. If anything looks wrong, contact us at {{.SupportEmail}}.</p>
        </div>

        <div class="footer">
            <p>&copy; {{.CompanyName}}</p>
        </div>
    </div>
</body>
</html>
`

const refundNoticeTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Refund Processed</title>
    <style>
        body { font-family: Georgia, serif; line-height: 1.6; color: #333; margin: 0; padding: 20px; }
        .container { max-width: 600px; margin: 0 auto; background: #f9f9f9; padding: 20px; }
        .header { background: #3b2c2c; color: white; padding: 20px; text-align: center; }
        .content { background: white; padding: 30px; }
        .refund-info { background: #e3f2fd; border: 1px solid #bbdefb; padding: 20px; border-radius: 5px; margin: 20px 0; }
        .footer { text-align: center; margin-top: 30px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>{{.CompanyName}}</h1>
            <h2>Refund Processed</h2>
        </div>

        <div class="content">
            <p>We've processed a refund for your order <strong>{{.Order.OrderNumber}}</strong>.</p>

            <div class="refund-info">
                <h3>Refund Details:</h3>
                <p><strong>Order:</strong> {{.Order.OrderNumber}}</p>
                <p><strong>Refund Amount:</strong> {{.RefundAmount}} {{.Order.Currency}}</p>
                <p><strong>Processing Time:</strong> 3-5 business days</p>
            </div>

            <p>The refund will appear on your original payment method within 3-5 business days, depending on your bank or card issuer.</p>

            <p>If you have any questions about this refund, please contact us at {{.SupportEmail}}.</p>
        </div>

        <div class="footer">
            <p>&copy; {{.CompanyName}}</p>
        </div>
    </div>
</body>
</html>
`

const basicEmailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.CompanyName}}</title>
</head>
<body>
    <h2>{{.CompanyName}}</h2>
</body>
</html>
`
