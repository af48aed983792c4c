package workflow

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
)

// ============================================================
// User-facing copy (es-AR)
// ============================================================

const (
	msgRetry            = "Disculpá, tuvimos un problema técnico. ¿Podés intentarlo de nuevo en unos minutos?"
	msgEscalation       = "No pudimos completar tu consulta de forma automática. Por favor comunicate directamente con la farmacia y un integrante del equipo te va a ayudar."
	msgCancelled        = "Listo, cancelamos la operación. Si necesitás algo más, escribinos cuando quieras."
	msgAskDocument      = "No encontramos tu número en nuestro sistema. ¿Nos indicás tu número de DNI (solo números)?"
	msgDocumentInvalid  = "No pudimos leer un número de DNI válido. Enviá solo los números, por ejemplo 30123456."
	msgOfferRegister    = "No encontramos ningún cliente con ese DNI. Vamos a registrarte: ¿cuál es tu nombre y apellido?"
	msgAskName          = "¿Cuál es tu nombre y apellido?"
	msgNameTooShort     = "El nombre debe tener al menos 3 letras. ¿Cuál es tu nombre y apellido?"
	msgAskRegDocument   = "Gracias. Ahora indicános tu número de DNI (solo números)."
	msgRegDocInvalid    = "El DNI debe tener entre 6 y 11 dígitos. Enviá solo los números, por favor."
	msgRegRestart       = "Sin problema, empecemos de nuevo. ¿Cuál es tu nombre y apellido?"
	msgRegAnswerYesNo   = "Respondé SI para confirmar tus datos o NO para corregirlos."
	msgRegUnsupported   = "En este momento no podemos registrarte de forma automática. Por favor acercate a la farmacia o comunicate por teléfono para darte de alta."
	msgIdentityMissing  = "No pudimos identificarte todavía. Escribinos de nuevo para comenzar."
	msgNoDebt           = "¡Buenas noticias! No registrás deuda pendiente en tu cuenta corriente."
	msgAnswerYesNo      = "Por favor respondé SI para confirmar o NO para cancelar."
	msgRejected         = "Entendido, no confirmamos el pago. Si querés volver a consultar tu saldo, escribinos cuando quieras."
	msgFetchingDebt     = "Un momento, estamos consultando tu deuda..."
	msgRetypeQuery      = "No pudimos recuperar tu deuda en este momento. ¿Podés volver a escribir tu consulta?"
	msgPaymentsDisabled = "El pago online no está disponible por el momento. Podés abonar directamente en la farmacia."
	msgConfirmFirst     = "Primero necesitamos que confirmes tu deuda. Escribí \"deuda\" para verla y respondé SI para confirmarla."
	msgPayAmountInvalid = "No hay un monto a pagar para generar el link."
	msgInvoiceNotReady  = "Todavía no podemos emitir el comprobante: la deuda debe estar confirmada."
	msgInvoiceAmount    = "No hay un monto válido para emitir el comprobante."
	msgInvoiceFailed    = "No pudimos generar tu comprobante. Escribinos nuevamente en unos minutos para reintentarlo."
	msgGenericHelp      = "Soy el asistente de la farmacia. Puedo ayudarte a consultar tu deuda, confirmarla y generar el link de pago."
)

func greeting(name string) string {
	return fmt.Sprintf("¡Hola %s! 👋 Soy el asistente virtual de la farmacia.", titleName(name))
}

func identifiedMessage(name string) string {
	return fmt.Sprintf("Te identificamos como %s. ¿Querés consultar tu deuda? Escribí \"deuda\".", titleName(name))
}

func disambiguationPrompt(candidates []domain.Identity) string {
	var b strings.Builder
	b.WriteString("Encontramos más de un cliente asociado. Respondé con el número que corresponda:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s (DNI %s)\n", i+1, titleName(c.DisplayName), domain.MaskDocument(c.Document))
	}
	b.WriteString("Si no sos ninguno, escribí DNI para ingresar tu documento.")
	return b.String()
}

func disambiguationInvalid(n int) string {
	return fmt.Sprintf("Opción inválida. Respondé con un número del 1 al %d, o escribí DNI para ingresar tu documento.", n)
}

func registrationSummary(data domain.RegistrationData) string {
	return fmt.Sprintf("Confirmá tus datos:\nNombre: %s\nDNI: %s\n¿Son correctos? Respondé SI o NO.", data.Name, data.Document)
}

func registrationDone(name string) string {
	return fmt.Sprintf("¡Listo %s! Ya quedaste registrado. Escribí \"deuda\" para consultar tu cuenta.", titleName(name))
}

func debtSummary(name string, snap *domain.BalanceSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, tu deuda actual es de %s.\n", titleName(name), formatMoney(snap.Total))
	if len(snap.Items) > 0 {
		b.WriteString("Detalle:\n")
		for _, it := range snap.Items {
			line := "• " + it.Description
			if it.InvoiceNumber != "" {
				line += " (" + it.InvoiceNumber + ")"
			}
			fmt.Fprintf(&b, "%s: %s\n", line, formatMoney(it.Amount))
		}
	}
	if snap.DueDate != "" {
		fmt.Fprintf(&b, "Vencimiento: %s\n", snap.DueDate)
	}
	b.WriteString("¿Confirmás el pago de este monto? Respondé SI o NO.")
	return b.String()
}

func confirmationSummary(s domain.ConversationState) string {
	msg := fmt.Sprintf("¡Perfecto! Confirmaste el pago de %s.", formatMoney(s.EffectivePaymentAmount()))
	if rest := s.RemainingBalance(); rest.IsPositive() {
		msg += fmt.Sprintf(" Te quedará un saldo pendiente de %s.", formatMoney(rest))
	}
	return msg
}

func alreadyConfirmed(s domain.ConversationState) string {
	return fmt.Sprintf("Tu deuda de %s ya está confirmada. Escribí \"pagar\" para generar el link de pago.", formatMoney(s.EffectivePaymentAmount()))
}

func paymentLinkMessage(amount decimal.Decimal, url string) string {
	return fmt.Sprintf("Podés abonar %s desde este link:\n%s\nCuando se acredite el pago te enviamos el comprobante.", formatMoney(amount), url)
}

func pendingLinkMessage(url string) string {
	if url == "" {
		return "Tu pago está en proceso. Cuando se acredite te enviamos el comprobante."
	}
	return fmt.Sprintf("Ya generamos tu link de pago. Podés abonar desde acá:\n%s", url)
}

func receiptMessage(number string, amount, remaining decimal.Decimal) string {
	msg := fmt.Sprintf("¡Pago registrado! Emitimos el comprobante N° %s por %s.", number, formatMoney(amount))
	if remaining.IsPositive() {
		msg += fmt.Sprintf(" Saldo pendiente: %s.", formatMoney(remaining))
	}
	return msg
}

// formatMoney renders an amount as Argentine pesos: $1.234,50.
func formatMoney(d decimal.Decimal) string {
	neg := d.IsNegative()
	fixed := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	out := "$" + b.String() + "," + frac
	if neg {
		return "-" + out
	}
	return out
}

// titleName turns "GARCIA ANA" into "Garcia Ana".
func titleName(name string) string {
	words := strings.Fields(strings.ToLower(name))
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
