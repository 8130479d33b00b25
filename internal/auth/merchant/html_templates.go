package merchant

import (
	"html"
	"strings"
)

// LoginSuccessHTML is shown in the browser once the credential has been stored.
const LoginSuccessHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Complete</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: #f3f4f6;
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 480px;
        }
        h1 { color: #10b981; margin-bottom: 0.5rem; }
        p { color: #4b5563; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Authorization complete</h1>
        <p>Merchant <strong>{{MERCHANT_ID}}</strong> is connected.</p>
        <p>You can close this window and return to the terminal.</p>
    </div>
    <script>setTimeout(function () { window.close(); }, 5000);</script>
</body>
</html>`

// LoginFailureHTML is shown in the browser when the callback could not be completed.
const LoginFailureHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Failed</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: #f3f4f6;
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 480px;
        }
        h1 { color: #dc2626; margin-bottom: 0.5rem; }
        p { color: #4b5563; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{TITLE}}</h1>
        <p>{{MESSAGE}}</p>
    </div>
</body>
</html>`

func renderSuccessPage(merchantID string) string {
	return strings.Replace(LoginSuccessHTML, "{{MERCHANT_ID}}", html.EscapeString(merchantID), 1)
}

func renderFailurePage(title, message string) string {
	page := strings.Replace(LoginFailureHTML, "{{TITLE}}", html.EscapeString(title), 1)
	return strings.Replace(page, "{{MESSAGE}}", html.EscapeString(message), 1)
}
