package redeem

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/browser"
	"github.com/xkilldash9x/hypeauto/internal/config"
	"github.com/xkilldash9x/hypeauto/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Page selectors and endpoint fragments of the redemption site.
const (
	selPINField       = "#PinCode"
	selValidateButton = "#btn-validate"
	selCardBack       = ".card.back .body"
	selInlineError    = ".text-danger, .error-message, .alert-danger"
	selProductName    = ".product-header h2"
	selAccountField   = "#GameAccountId"
	selNationality    = "#NationalityAlphaCode"
	selVerifyButton   = "#btn-verify"
	selRedeemButton   = "#btn-redeem"

	matchValidatePIN     = "validate/pin"
	matchValidateAccount = "validate/account"
	matchConfirm         = "confirm"
)

// noAccountField is returned by the form script when the account input is missing or hidden.
const noAccountField = "NO_GAME_FIELD"

// fillFormScript fills the whole identity form in one evaluation so the page never sees a
// half-filled form. Arguments: name, birth date, account id.
const fillFormScript = `((name, bornAt, accountId) => {
	const cookieBtn = document.querySelector('#adopt-accept-all-button');
	if (cookieBtn) cookieBtn.click();

	const account = document.querySelector('#GameAccountId');
	if (!account || account.offsetParent === null) return 'NO_GAME_FIELD';

	const setVal = (el, val) => {
		const setter = Object.getOwnPropertyDescriptor(HTMLInputElement.prototype, 'value').set;
		setter.call(el, val);
		for (const type of ['input', 'change', 'keyup']) {
			el.dispatchEvent(new Event(type, { bubbles: true }));
		}
	};

	const nameEl = document.querySelector('#Name');
	if (nameEl) setVal(nameEl, name);

	const bornEl = document.querySelector('#BornAt');
	if (bornEl) { bornEl.focus(); setVal(bornEl, bornAt); }

	setVal(account, accountId);

	const privacy = document.querySelector('#privacy');
	if (privacy && !privacy.checked) {
		privacy.checked = true;
		privacy.dispatchEvent(new Event('change', { bubbles: true }));
	}

	const verify = document.querySelector('#btn-verify');
	if (verify) verify.removeAttribute('disabled');

	return 'OK';
})(%s, %s, %s)`

const enableScript = `document.querySelector(%s)?.removeAttribute('disabled')`

// state is one step of the redemption protocol.
type state int

const (
	stateSubmitPIN state = iota
	stateAwaitCardFlip
	stateExtractProduct
	stateFillForm
	stateVerifyAccount
	stateConfirm
	stateClassifyResult
)

func (s state) String() string {
	switch s {
	case stateSubmitPIN:
		return "submit_pin"
	case stateAwaitCardFlip:
		return "await_card_flip"
	case stateExtractProduct:
		return "extract_product"
	case stateFillForm:
		return "fill_form"
	case stateVerifyAccount:
		return "verify_account"
	case stateConfirm:
		return "confirm"
	case stateClassifyResult:
		return "classify_result"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// step is what a state hands back: either the next state or a terminal outcome.
type step struct {
	next    state
	outcome *schemas.Outcome
}

func proceed(next state) step { return step{next: next} }

// accountVerification is the JSON body of the account validation endpoint.
type accountVerification struct {
	Success  bool   `json:"Success"`
	Message  string `json:"Message"`
	Username string `json:"Username"`
}

// machine runs the redemption protocol for one attempt on one leased session.
type machine struct {
	sess    browser.Session
	cfg     config.RedeemConfig
	logger  *zap.Logger
	now     func() time.Time
	pin     string
	account string

	productName   string
	nickname      string
	confirmStatus int
}

func newMachine(sess browser.Session, cfg config.RedeemConfig, logger *zap.Logger, now func() time.Time, pin, account string) *machine {
	return &machine{
		sess:    sess,
		cfg:     cfg,
		logger:  logger.With(observability.PIN(pin), zap.String("session", sess.ID())),
		now:     now,
		pin:     pin,
		account: account,
	}
}

// run drives the states until one produces an outcome. Errors a state does not resolve
// itself, and panics, are classified here.
func (m *machine) run(ctx context.Context) (out schemas.Outcome) {
	current := stateSubmitPIN
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Redemption step panicked.", zap.Stringer("state", current), zap.Any("panic", r))
			out = m.fail(schemas.ErrorPageError, fmt.Sprintf("internal error in %s: %v", current, r), true)
		}
	}()

	for {
		s, err := m.exec(ctx, current)
		if err != nil {
			kind, returnPIN := ClassifyError(err)
			m.logger.Warn("Redemption step failed.", zap.Stringer("state", current), zap.Error(err))
			return m.fail(kind, err.Error(), returnPIN)
		}
		if s.outcome != nil {
			return *s.outcome
		}
		current = s.next
	}
}

func (m *machine) exec(ctx context.Context, st state) (step, error) {
	switch st {
	case stateSubmitPIN:
		return m.submitPIN(ctx)
	case stateAwaitCardFlip:
		return m.awaitCardFlip(ctx)
	case stateExtractProduct:
		return m.extractProduct(ctx)
	case stateFillForm:
		return m.fillForm(ctx)
	case stateVerifyAccount:
		return m.verifyAccount(ctx)
	case stateConfirm:
		return m.confirm(ctx)
	case stateClassifyResult:
		return m.classifyResult(ctx)
	default:
		return step{}, fmt.Errorf("unknown redemption state %s", st)
	}
}

func (m *machine) submitPIN(ctx context.Context) (step, error) {
	if m.cfg.SubmitMode == config.SubmitURL {
		target := strings.TrimRight(m.cfg.BaseURL, "/") + "/" + url.PathEscape(m.pin)
		m.logger.Info("Opening PIN page.")
		if err := m.sess.Navigate(ctx, target, browser.WaitCommit, m.cfg.DefaultTimeout); err != nil {
			return step{}, err
		}
		return proceed(stateAwaitCardFlip), nil
	}

	_, found, err := m.sess.QueryText(ctx, selPINField)
	if err != nil {
		return step{}, err
	}
	if !found {
		m.logger.Debug("PIN field missing; reloading base page.")
		if err := m.sess.Navigate(ctx, m.cfg.BaseURL, browser.WaitDOMContentLoaded, m.cfg.WarmupTimeout); err != nil {
			return step{}, err
		}
	}
	if err := m.sess.WaitVisible(ctx, selPINField, m.cfg.PINFieldTimeout); err != nil {
		return step{}, err
	}
	if err := m.sess.Fill(ctx, selPINField, m.pin); err != nil {
		return step{}, err
	}
	if err := m.enable(ctx, selValidateButton); err != nil {
		return step{}, err
	}

	m.logger.Info("Submitting PIN.")
	resp, err := m.sess.InterceptResponse(ctx, matchValidatePIN, m.cfg.PINSubmitTimeout, func(ctx context.Context) error {
		return m.sess.Click(ctx, selValidateButton, m.cfg.PINSubmitTimeout)
	})
	switch {
	case err != nil:
		// The card flip decides; the validation response is only a shortcut.
		m.logger.Debug("PIN validation response not observed.", zap.Error(err))
	case resp != nil && resp.Status >= 400:
		return m.done(m.fail(schemas.ErrorPINExpired,
			fmt.Sprintf("PIN rejected by validation (HTTP %d)", resp.Status), true))
	}
	return proceed(stateAwaitCardFlip), nil
}

func (m *machine) awaitCardFlip(ctx context.Context) (step, error) {
	err := m.sess.WaitVisible(ctx, selCardBack, m.cfg.CardFlipTimeout)
	if err == nil {
		return proceed(stateExtractProduct), nil
	}
	if !browser.IsTimeout(err) {
		return step{}, err
	}

	text, found, qerr := m.sess.QueryText(ctx, selInlineError)
	if qerr != nil {
		return step{}, qerr
	}
	if !found {
		return m.done(m.fail(schemas.ErrorTimeout, "timed out waiting for PIN validation", true))
	}
	kind, returnPIN := ClassifyInlineError(text)
	m.logger.Info("PIN refused by site.", zap.String("kind", kind.String()), zap.String("message", text))
	return m.done(m.fail(kind, text, returnPIN))
}

func (m *machine) extractProduct(ctx context.Context) (step, error) {
	text, found, err := m.sess.QueryText(ctx, selProductName)
	switch {
	case err != nil:
		m.logger.Debug("Product name unavailable.", zap.Error(err))
	case found:
		m.productName = text
		m.logger.Info("Product identified.", zap.String("product", text))
	}
	return proceed(stateFillForm), nil
}

func (m *machine) fillForm(ctx context.Context) (step, error) {
	// The form can render after the card flips; a miss is reported by the script.
	if err := m.sess.WaitVisible(ctx, selAccountField, m.cfg.AccountTimeout); err != nil && !browser.IsTimeout(err) {
		return step{}, err
	}

	script, err := formScript(m.cfg.Name, m.cfg.BornAt, m.account)
	if err != nil {
		return step{}, err
	}
	m.logger.Info("Filling account form.")
	var result string
	if err := m.sess.Evaluate(ctx, script, &result); err != nil {
		return step{}, err
	}
	if result == noAccountField {
		return m.done(m.fail(schemas.ErrorPageError, "account id field not found", true))
	}
	if err := m.sess.SelectOption(ctx, selNationality, m.cfg.Nationality); err != nil {
		return step{}, err
	}
	return proceed(stateVerifyAccount), nil
}

func (m *machine) verifyAccount(ctx context.Context) (step, error) {
	attempts := m.cfg.VerifyAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	lastMessage := "account verification failed"
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := m.enable(ctx, selVerifyButton); err != nil {
				return step{}, err
			}
			if err := sleep(ctx, m.cfg.VerifyRetryDelay); err != nil {
				return step{}, err
			}
		}

		resp, err := m.sess.InterceptResponse(ctx, matchValidateAccount, m.cfg.VerifyTimeout, func(ctx context.Context) error {
			return m.sess.Click(ctx, selVerifyButton, m.cfg.DefaultTimeout)
		})
		if err == nil && resp == nil {
			err = browser.ErrTimeout
		}
		if err != nil {
			lastErr = err
			m.logger.Warn("Account verification attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		var result accountVerification
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			lastErr = fmt.Errorf("unreadable account verification response (HTTP %d): %w", resp.Status, err)
			m.logger.Warn("Account verification attempt failed.", zap.Int("attempt", attempt), zap.Error(lastErr))
			continue
		}
		lastErr = nil

		if result.Success {
			m.nickname = result.Username
			m.logger.Info("Account verified.", zap.String("nickname", result.Username), zap.Int("attempt", attempt))
			return proceed(stateConfirm), nil
		}
		if result.Message != "" {
			lastMessage = result.Message
		}
		if !IsInternalError(result.Message) {
			return m.done(m.fail(schemas.ErrorInvalidID, lastMessage, true))
		}
		m.logger.Info("Transient verification error; retrying.", zap.Int("attempt", attempt), zap.String("message", result.Message))
	}

	if lastErr != nil {
		return m.done(m.fail(schemas.ErrorTimeout, fmt.Sprintf("account verification failed: %v", lastErr), true))
	}
	return m.done(m.fail(schemas.ErrorInvalidID, lastMessage, true))
}

func (m *machine) confirm(ctx context.Context) (step, error) {
	if err := m.sess.WaitVisible(ctx, selRedeemButton, m.cfg.RedeemBtnTimeout); err != nil {
		m.logger.Warn("Redeem button did not appear.", zap.Error(err))
		return m.done(m.fail(schemas.ErrorPageError, "redeem button did not appear", true))
	}
	if err := m.enable(ctx, selRedeemButton); err != nil {
		return step{}, err
	}

	m.logger.Info("Confirming redemption.")
	resp, err := m.sess.InterceptResponse(ctx, matchConfirm, m.cfg.ConfirmTimeout, func(ctx context.Context) error {
		return m.sess.Click(ctx, selRedeemButton, m.cfg.DefaultTimeout)
	})
	if err != nil || resp == nil {
		m.logger.Warn("Confirmation response not observed.", zap.Error(err))
		m.confirmStatus = -1
	} else {
		m.confirmStatus = resp.Status
	}
	return proceed(stateClassifyResult), nil
}

func (m *machine) classifyResult(ctx context.Context) (step, error) {
	if m.confirmStatus == 200 {
		return m.done(m.succeed("confirmation accepted"))
	}

	if err := sleep(ctx, m.cfg.ResultSettleDelay); err != nil {
		return step{}, err
	}
	var pageText string
	if err := m.sess.Evaluate(ctx, "document.body.innerText", &pageText); err != nil {
		return step{}, err
	}
	if HasSuccessKeyword(pageText) {
		return m.done(m.succeed("page reports success"))
	}

	shot := filepath.Join(m.cfg.ScreenshotDir, "debug_"+pinPrefix(m.pin)+".png")
	if err := m.sess.Screenshot(ctx, shot); err != nil {
		m.logger.Debug("Diagnostic screenshot failed.", zap.Error(err))
	} else {
		m.logger.Info("Saved diagnostic screenshot.", zap.String("path", shot))
	}
	m.logger.Warn("Redemption not confirmed.", zap.Int("confirm_status", m.confirmStatus))
	return m.done(m.fail(schemas.ErrorUnknown, "could not confirm redemption; PIN possibly consumed", false))
}

func (m *machine) enable(ctx context.Context, selector string) error {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	return m.sess.Evaluate(ctx, fmt.Sprintf(enableScript, quoted), nil)
}

func (m *machine) succeed(via string) schemas.Outcome {
	at := m.now().UTC()
	diamonds := ParseQuantity(m.productName)
	m.logger.Info("Redemption succeeded.",
		zap.String("via", via),
		zap.String("nickname", m.nickname),
		zap.Int("diamonds", diamonds),
	)
	return schemas.Outcome{
		Success:     true,
		PIN:         m.pin,
		ProductName: m.productName,
		Nickname:    m.nickname,
		Diamonds:    diamonds,
		RedeemedAt:  &at,
	}
}

func (m *machine) fail(kind schemas.ErrorKind, message string, returnPIN bool) schemas.Outcome {
	out := schemas.Failed(m.pin, kind, message, returnPIN)
	out.ProductName = m.productName
	return out
}

func (m *machine) done(out schemas.Outcome) (step, error) {
	return step{outcome: &out}, nil
}

func formScript(name, bornAt, account string) (string, error) {
	args := make([]any, 0, 3)
	for _, v := range []string{name, bornAt, account} {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode form value: %w", err)
		}
		args = append(args, string(b))
	}
	return fmt.Sprintf(fillFormScript, args...), nil
}

func pinPrefix(pin string) string {
	return strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' || c == '.' {
			return '_'
		}
		return c
	}, observability.PINPrefix(pin))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
