package storage

const schema = `
-- Molecules (immutable, deduplicated by canonical hash)
CREATE TABLE IF NOT EXISTS molecules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    molecule_hash TEXT NOT NULL UNIQUE,
    molecular_formula TEXT NOT NULL DEFAULT '',
    symbols TEXT NOT NULL,
    geometry TEXT NOT NULL,
    real_atoms TEXT,
    charge INTEGER NOT NULL DEFAULT 0,
    multiplicity INTEGER NOT NULL DEFAULT 1,
    fragments TEXT,
    fragment_charges TEXT,
    fragment_multiplicities TEXT,
    identifiers TEXT
);

-- Keyword sets (immutable, deduplicated by hash index)
CREATE TABLE IF NOT EXISTS keywords (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hash_index TEXT NOT NULL UNIQUE,
    kw_values TEXT NOT NULL DEFAULT '{}'
);

-- Compressed output blobs (stdout/stderr/error)
CREATE TABLE IF NOT EXISTS output_store (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    output_type TEXT NOT NULL,
    compression TEXT NOT NULL DEFAULT 'zstd',
    compression_level INTEGER NOT NULL DEFAULT 3,
    data BLOB NOT NULL
);

-- Compute managers
CREATE TABLE IF NOT EXISTS queue_manager (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    cluster TEXT NOT NULL DEFAULT '',
    hostname TEXT NOT NULL DEFAULT '',
    username TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    programs TEXT NOT NULL DEFAULT '{}' CHECK(programs = lower(programs)),
    status TEXT NOT NULL DEFAULT 'active',
    claimed INTEGER NOT NULL DEFAULT 0,
    successes INTEGER NOT NULL DEFAULT 0,
    failures INTEGER NOT NULL DEFAULT 0,
    rejected INTEGER NOT NULL DEFAULT 0,
    total_cpu_hours REAL NOT NULL DEFAULT 0,
    active_tasks INTEGER NOT NULL DEFAULT 0,
    active_cores INTEGER NOT NULL DEFAULT 0,
    active_memory REAL NOT NULL DEFAULT 0,
    created_on DATETIME NOT NULL,
    modified_on DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_manager_status ON queue_manager(status);
CREATE INDEX IF NOT EXISTS idx_queue_manager_modified ON queue_manager(modified_on);

-- Heartbeat counter snapshots
CREATE TABLE IF NOT EXISTS queue_manager_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    manager_id INTEGER NOT NULL,
    timestamp DATETIME NOT NULL,
    claimed INTEGER NOT NULL DEFAULT 0,
    successes INTEGER NOT NULL DEFAULT 0,
    failures INTEGER NOT NULL DEFAULT 0,
    rejected INTEGER NOT NULL DEFAULT 0,
    total_cpu_hours REAL NOT NULL DEFAULT 0,
    active_tasks INTEGER NOT NULL DEFAULT 0,
    active_cores INTEGER NOT NULL DEFAULT 0,
    active_memory REAL NOT NULL DEFAULT 0,
    FOREIGN KEY (manager_id) REFERENCES queue_manager(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_queue_manager_log_timestamp ON queue_manager_log(timestamp);

-- Polymorphic record header. prior_status backs the soft-delete and
-- invalidate reverts.
CREATE TABLE IF NOT EXISTS base_record (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'waiting',
    prior_status TEXT,
    is_service INTEGER NOT NULL DEFAULT 0,
    manager_name TEXT REFERENCES queue_manager(name) ON DELETE SET NULL,
    created_on DATETIME NOT NULL,
    modified_on DATETIME NOT NULL,
    owner TEXT NOT NULL DEFAULT '',
    compute_tag TEXT NOT NULL DEFAULT '*',
    priority INTEGER NOT NULL DEFAULT 1,
    extras TEXT,
    stdout INTEGER REFERENCES output_store(id),
    stderr INTEGER REFERENCES output_store(id),
    error INTEGER REFERENCES output_store(id)
);

CREATE INDEX IF NOT EXISTS idx_base_record_status ON base_record(status);
CREATE INDEX IF NOT EXISTS idx_base_record_type ON base_record(record_type);
CREATE INDEX IF NOT EXISTS idx_base_record_manager ON base_record(manager_name);

-- Append-only attempt history
CREATE TABLE IF NOT EXISTS compute_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL,
    status TEXT NOT NULL,
    manager_name TEXT NOT NULL DEFAULT '',
    modified_on DATETIME NOT NULL,
    provenance TEXT,
    FOREIGN KEY (record_id) REFERENCES base_record(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_compute_history_record ON compute_history(record_id);

CREATE TABLE IF NOT EXISTS compute_history_outputs (
    history_id INTEGER NOT NULL,
    output_id INTEGER NOT NULL,
    PRIMARY KEY (history_id, output_id),
    FOREIGN KEY (history_id) REFERENCES compute_history(id) ON DELETE CASCADE,
    FOREIGN KEY (output_id) REFERENCES output_store(id) ON DELETE CASCADE
);

-- User comments on records
CREATE TABLE IF NOT EXISTS record_comments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    timestamp DATETIME NOT NULL,
    comment TEXT NOT NULL,
    FOREIGN KEY (record_id) REFERENCES base_record(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_record_comments_record ON record_comments(record_id);

-- Singlepoint specialization. basis is stored as '' rather than NULL so
-- the uniqueness tuple behaves (SQLite treats NULLs as distinct).
CREATE TABLE IF NOT EXISTS singlepoint_record (
    id INTEGER PRIMARY KEY,
    program TEXT NOT NULL,
    driver TEXT NOT NULL,
    method TEXT NOT NULL,
    basis TEXT NOT NULL DEFAULT '',
    keywords_id INTEGER NOT NULL,
    protocols TEXT,
    molecule_id INTEGER NOT NULL,
    return_result TEXT,
    properties TEXT,
    FOREIGN KEY (id) REFERENCES base_record(id) ON DELETE CASCADE,
    FOREIGN KEY (keywords_id) REFERENCES keywords(id),
    FOREIGN KEY (molecule_id) REFERENCES molecules(id),
    UNIQUE (program, driver, method, basis, keywords_id, molecule_id)
);

CREATE INDEX IF NOT EXISTS idx_singlepoint_molecule ON singlepoint_record(molecule_id);

-- Serialized wavefunctions, one per singlepoint at most
CREATE TABLE IF NOT EXISTS wavefunction_store (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL UNIQUE,
    restricted INTEGER NOT NULL DEFAULT 1,
    basis TEXT,
    data BLOB,
    FOREIGN KEY (record_id) REFERENCES singlepoint_record(id) ON DELETE CASCADE
);

-- Optimization specialization
CREATE TABLE IF NOT EXISTS optimization_record (
    id INTEGER PRIMARY KEY,
    specification TEXT NOT NULL,
    hash_index TEXT NOT NULL UNIQUE,
    initial_molecule_id INTEGER NOT NULL,
    final_molecule_id INTEGER,
    energies TEXT,
    FOREIGN KEY (id) REFERENCES base_record(id) ON DELETE CASCADE,
    FOREIGN KEY (initial_molecule_id) REFERENCES molecules(id),
    FOREIGN KEY (final_molecule_id) REFERENCES molecules(id)
);

CREATE TABLE IF NOT EXISTS optimization_trajectory (
    optimization_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    singlepoint_id INTEGER NOT NULL,
    PRIMARY KEY (optimization_id, position),
    FOREIGN KEY (optimization_id) REFERENCES optimization_record(id) ON DELETE CASCADE,
    FOREIGN KEY (singlepoint_id) REFERENCES singlepoint_record(id)
);

-- Torsiondrive specialization
CREATE TABLE IF NOT EXISTS torsiondrive_record (
    id INTEGER PRIMARY KEY,
    specification TEXT NOT NULL,
    keywords TEXT NOT NULL,
    hash_index TEXT NOT NULL UNIQUE,
    minimum_positions TEXT,
    final_energies TEXT,
    FOREIGN KEY (id) REFERENCES base_record(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS torsiondrive_molecules (
    torsiondrive_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    molecule_id INTEGER NOT NULL,
    PRIMARY KEY (torsiondrive_id, position),
    FOREIGN KEY (torsiondrive_id) REFERENCES torsiondrive_record(id) ON DELETE CASCADE,
    FOREIGN KEY (molecule_id) REFERENCES molecules(id)
);

-- Gridoptimization specialization
CREATE TABLE IF NOT EXISTS gridoptimization_record (
    id INTEGER PRIMARY KEY,
    specification TEXT NOT NULL,
    keywords TEXT NOT NULL,
    hash_index TEXT NOT NULL UNIQUE,
    initial_molecule_id INTEGER NOT NULL,
    starting_molecule_id INTEGER,
    final_energies TEXT,
    FOREIGN KEY (id) REFERENCES base_record(id) ON DELETE CASCADE,
    FOREIGN KEY (initial_molecule_id) REFERENCES molecules(id),
    FOREIGN KEY (starting_molecule_id) REFERENCES molecules(id)
);

-- Reaction specialization
CREATE TABLE IF NOT EXISTS reaction_record (
    id INTEGER PRIMARY KEY,
    qc_specification TEXT,
    opt_specification TEXT,
    total_energy REAL,
    FOREIGN KEY (id) REFERENCES base_record(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS reaction_components (
    reaction_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    coefficient REAL NOT NULL,
    molecule_id INTEGER NOT NULL,
    singlepoint_id INTEGER,
    optimization_id INTEGER,
    PRIMARY KEY (reaction_id, position),
    FOREIGN KEY (reaction_id) REFERENCES reaction_record(id) ON DELETE CASCADE,
    FOREIGN KEY (molecule_id) REFERENCES molecules(id)
);

-- Manybody specialization
CREATE TABLE IF NOT EXISTS manybody_record (
    id INTEGER PRIMARY KEY,
    specification TEXT NOT NULL,
    keywords TEXT NOT NULL,
    molecule_id INTEGER NOT NULL,
    properties TEXT,
    FOREIGN KEY (id) REFERENCES base_record(id) ON DELETE CASCADE,
    FOREIGN KEY (molecule_id) REFERENCES molecules(id)
);

CREATE TABLE IF NOT EXISTS manybody_clusters (
    manybody_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    fragments TEXT NOT NULL,
    basis TEXT NOT NULL,
    molecule_id INTEGER NOT NULL,
    singlepoint_id INTEGER,
    degeneracy INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (manybody_id, position),
    FOREIGN KEY (manybody_id) REFERENCES manybody_record(id) ON DELETE CASCADE,
    FOREIGN KEY (molecule_id) REFERENCES molecules(id)
);

-- NEB specialization
CREATE TABLE IF NOT EXISTS neb_record (
    id INTEGER PRIMARY KEY,
    specification TEXT NOT NULL,
    opt_specification TEXT,
    keywords TEXT NOT NULL,
    ts_optimization_id INTEGER,
    ts_hessian_id INTEGER,
    FOREIGN KEY (id) REFERENCES base_record(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS neb_chain (
    neb_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    molecule_id INTEGER NOT NULL,
    PRIMARY KEY (neb_id, position),
    FOREIGN KEY (neb_id) REFERENCES neb_record(id) ON DELETE CASCADE,
    FOREIGN KEY (molecule_id) REFERENCES molecules(id)
);

-- Task queue. One row per waiting/running record. required_programs
-- keys are lower-cased before insert; the check enforces it at the
-- database level.
CREATE TABLE IF NOT EXISTS task_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL UNIQUE,
    spec BLOB NOT NULL,
    compute_tag TEXT NOT NULL DEFAULT '*',
    required_programs TEXT NOT NULL DEFAULT '{}' CHECK(required_programs = lower(required_programs)),
    priority INTEGER NOT NULL DEFAULT 1,
    manager_name TEXT REFERENCES queue_manager(name) ON DELETE SET NULL,
    created_on DATETIME NOT NULL,
    FOREIGN KEY (record_id) REFERENCES base_record(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_queue_sort ON task_queue(priority DESC, created_on ASC);
CREATE INDEX IF NOT EXISTS idx_task_queue_tag ON task_queue(compute_tag);
CREATE INDEX IF NOT EXISTS idx_task_queue_manager ON task_queue(manager_name);

-- Service queue. service_state is opaque JSON, always rewritten whole.
CREATE TABLE IF NOT EXISTS service_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL UNIQUE,
    compute_tag TEXT NOT NULL DEFAULT '*',
    priority INTEGER NOT NULL DEFAULT 1,
    service_state TEXT NOT NULL DEFAULT '{}',
    created_on DATETIME NOT NULL,
    modified_on DATETIME NOT NULL,
    FOREIGN KEY (record_id) REFERENCES base_record(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS service_dependencies (
    service_id INTEGER NOT NULL,
    record_id INTEGER NOT NULL,
    dep_key TEXT NOT NULL,
    position INTEGER NOT NULL,
    extras TEXT,
    PRIMARY KEY (service_id, record_id, dep_key),
    FOREIGN KEY (service_id) REFERENCES service_queue(id) ON DELETE CASCADE,
    FOREIGN KEY (record_id) REFERENCES base_record(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_service_dependencies_record ON service_dependencies(record_id);

-- Periodic server statistics snapshots
CREATE TABLE IF NOT EXISTS server_stats_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_server_stats_timestamp ON server_stats_log(timestamp);
`
