package pool

import (
	"log/slog"
	"sync"
	"time"
)

// connectionState possède exactement un Transport pour toute sa durée de vie:
// comptabilité d'activité et timer d'éviction à décroissance adaptative.
//
// L'algorithme du timer: armer pour idleTimeout entier; au tick, si la
// connexion est active, réarmer pour la fenêtre complète; sinon comparer le
// temps écoulé depuis le dernier passage à zéro d'activité. Si la fenêtre est
// consommée, demander l'éviction; sinon réarmer uniquement pour le reliquat,
// afin de ne pas remettre l'horloge d'inactivité à zéro juste parce que le
// timer a sonné trop tôt.
type connectionState struct {
	mu          sync.Mutex
	transport   Transport
	active      bool
	lastIdle    time.Time // instant du dernier passage à zéro flux; pertinent si !active
	timer       *time.Timer
	disposed    bool
	idleTimeout time.Duration
	onEvict     func()
	logger      *slog.Logger
}

// newConnectionState enveloppe un transport fraîchement établi. L'état naît
// actif (il est sur le point d'être remis à un appelant) et s'abonne au signal
// d'activité du transport. Le timer n'est PAS armé ici: l'appelant pose
// onEvict puis appelle arm(), pour que le callback ne voie jamais un état
// à moitié construit.
func newConnectionState(t Transport, idleTimeout time.Duration, logger *slog.Logger) *connectionState {
	cs := &connectionState{
		transport:   t,
		active:      true,
		lastIdle:    time.Now(),
		idleTimeout: idleTimeout,
		logger:      logger,
	}
	t.SetActiveStateHandler(cs.onActiveStateChange)
	return cs
}

// markActive est appelé par chaque GetConnection qui remet ce transport à un
// appelant: marque actif et tamponne l'instant, ce qui repousse l'éviction.
func (cs *connectionState) markActive() {
	cs.mu.Lock()
	cs.active = true
	cs.lastIdle = time.Now()
	cs.mu.Unlock()
}

// onActiveStateChange reçoit les transitions zéro<->non-zéro du transport.
func (cs *connectionState) onActiveStateChange(active bool) {
	cs.mu.Lock()
	if cs.disposed {
		cs.mu.Unlock()
		return
	}
	cs.active = active
	if !active {
		cs.lastIdle = time.Now()
	}
	cs.mu.Unlock()
}

// arm (ré)arme le timer pour une fenêtre complète. Sans effet après disposal.
func (cs *connectionState) arm() {
	cs.mu.Lock()
	if !cs.disposed {
		cs.armLocked(cs.idleTimeout)
	}
	cs.mu.Unlock()
}

// armLocked doit être appelé cs.mu tenu.
func (cs *connectionState) armLocked(d time.Duration) {
	if cs.timer != nil {
		cs.timer.Stop()
	}
	cs.timer = time.AfterFunc(d, cs.onTimer)
}

func (cs *connectionState) onTimer() {
	cs.mu.Lock()
	if cs.disposed {
		cs.mu.Unlock()
		return
	}
	if cs.active {
		// De l'activité est en cours: l'horloge repart sur une fenêtre pleine.
		cs.armLocked(cs.idleTimeout)
		cs.mu.Unlock()
		return
	}
	elapsed := time.Since(cs.lastIdle)
	if elapsed < cs.idleTimeout {
		// Le timer a sonné avant que la fenêtre d'inactivité ne soit pleine:
		// réarmer seulement pour le reliquat, le tick n'est pas de l'activité.
		cs.armLocked(cs.idleTimeout - elapsed)
		cs.mu.Unlock()
		return
	}
	onEvict := cs.onEvict
	cs.mu.Unlock()
	if onEvict != nil {
		onEvict()
	}
}

// stillActiveOrRecent revérifie l'inactivité au moment de l'éviction: le
// manager l'appelle sous son propre verrou pour garantir qu'une connexion
// redevenue active entre le tick et la prise du verrou n'est jamais évincée.
func (cs *connectionState) stillActiveOrRecent() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.active || time.Since(cs.lastIdle) < cs.idleTimeout
}

// dispose annule le timer inconditionnellement puis ferme le transport.
// Idempotent; aucune callback ne part après disposal.
func (cs *connectionState) dispose() {
	cs.mu.Lock()
	if cs.disposed {
		cs.mu.Unlock()
		return
	}
	cs.disposed = true
	if cs.timer != nil {
		cs.timer.Stop()
	}
	cs.mu.Unlock()
	// Les erreurs de fermeture d'un transport déjà clos sont sans intérêt ici.
	_ = cs.transport.Finish()
}
